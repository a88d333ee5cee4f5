// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package infra

import "text/template"

// serverlessFiles is the container-image Lambda bundle with a public
// function URL.
var serverlessFiles = map[string]*template.Template{
	"main.tf": mustParse("main.tf", `provider "aws" {
  region = var.region

  default_tags {
    tags = {
      Project     = var.app_name
      Environment = var.environment
      ManagedBy   = "sirpi"
    }
  }
}

resource "aws_cloudwatch_log_group" "app" {
  name              = "/aws/lambda/${var.app_name}"
  retention_in_days = 14
}

resource "aws_lambda_function" "app" {
  function_name = var.app_name
  role          = aws_iam_role.lambda.arn
  package_type  = "Image"
  image_uri     = "${data.aws_caller_identity.current.account_id}.dkr.ecr.${var.region}.amazonaws.com/${var.ecr_repository_name}:latest"
  memory_size   = var.memory_size
  timeout       = var.timeout_seconds

  depends_on = [aws_cloudwatch_log_group.app]
}

resource "aws_lambda_function_url" "app" {
  function_name      = aws_lambda_function.app.function_name
  authorization_type = "NONE"
}
`),
	"variables.tf": mustParse("variables.tf", `variable "region" {
  type    = string
  default = "{{.Region}}"
}

variable "app_name" {
  type    = string
  default = "{{.AppName}}"
}

variable "ecr_repository_name" {
  type    = string
  default = "{{.ECRRepository}}"
}

variable "environment" {
  type    = string
  default = "production"
}

variable "memory_size" {
  type    = number
  default = {{.MemoryMB}}
}

variable "timeout_seconds" {
  type    = number
  default = 30
}
`),
	"outputs.tf": mustParse("outputs.tf", `output "application_url" {
  value = aws_lambda_function_url.app.function_url
}

output "function_name" {
  value = aws_lambda_function.app.function_name
}
`),
	"iam.tf": mustParse("iam.tf", `resource "aws_iam_role" "lambda" {
  name = "${var.app_name}-lambda"

  assume_role_policy = jsonencode({
    Version = "2012-10-17"
    Statement = [
      {
        Effect    = "Allow"
        Principal = { Service = "lambda.amazonaws.com" }
        Action    = "sts:AssumeRole"
      }
    ]
  })
}

resource "aws_iam_role_policy_attachment" "basic" {
  role       = aws_iam_role.lambda.name
  policy_arn = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"
}
`),
	"security_groups.tf": mustParse("security_groups.tf", `# Function URL invocation does not attach to a VPC; no security groups are
# provisioned for this shape.
`),
	"data.tf": mustParse("data.tf", `data "aws_caller_identity" "current" {}
`),
}
