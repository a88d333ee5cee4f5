// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package infra renders deterministic terraform bundles for the supported
// deployment shapes. Agent generation layers on top of these; the templates
// are the floor the validator and deploy pipeline can always count on.
package infra

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/pkg/workflow"
)

// Params feeds the shape templates.
type Params struct {
	ProjectID     string
	AppName       string
	Region        string
	AccountID     string
	ECRRepository string
	Port          int
	HealthPath    string
	// VM shape only.
	InstanceType string
	// Serverless shape only.
	MemoryMB int
}

func (p *Params) applyDefaults() {
	if p.Port == 0 {
		p.Port = 8000
	}
	if p.HealthPath == "" {
		p.HealthPath = "/health"
	}
	if p.InstanceType == "" {
		p.InstanceType = "t3.small"
	}
	if p.MemoryMB == 0 {
		p.MemoryMB = 512
	}
}

// StateBucket returns the versioned bucket holding terraform state for an
// account.
func StateBucket(accountID string) string {
	return "sirpi-terraform-states-" + accountID
}

// StateKey returns the stable state object key for a project.
func StateKey(projectID string) string {
	return fmt.Sprintf("states/%s/terraform.tfstate", projectID)
}

// LockTable is the DynamoDB table used for state locking.
const LockTable = "sirpi-terraform-locks"

// Bundle renders the full terraform file set for a deployment shape.
func Bundle(shape workflow.Shape, p Params) (map[string]string, error) {
	p.applyDefaults()
	var files map[string]*template.Template
	switch shape {
	case workflow.ContainerService:
		files = containerFiles
	case workflow.VM:
		files = vmFiles
	case workflow.Serverless:
		files = serverlessFiles
	default:
		return nil, errors.Errorf("no templates for shape %q", shape)
	}
	out := make(map[string]string, len(files)+1)
	for name, tmpl := range files {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, p); err != nil {
			return nil, errors.Wrapf(err, "rendering %s", name)
		}
		out[name] = buf.String()
	}
	var backend bytes.Buffer
	if err := backendTmpl.Execute(&backend, p); err != nil {
		return nil, errors.Wrap(err, "rendering backend.tf")
	}
	out["backend.tf"] = backend.String()
	return out, nil
}

// BackendOnly renders just the backend block, used to rewrite agent-generated
// bundles so state always lands in the brokered account's bucket.
func BackendOnly(p Params) (string, error) {
	p.applyDefaults()
	var buf bytes.Buffer
	if err := backendTmpl.Execute(&buf, p); err != nil {
		return "", errors.Wrap(err, "rendering backend.tf")
	}
	return buf.String(), nil
}

func mustParse(name, text string) *template.Template {
	return template.Must(template.New(name).Parse(text))
}

var backendTmpl = mustParse("backend.tf", `terraform {
  required_version = ">= 1.5"

  backend "s3" {
    bucket         = "sirpi-terraform-states-{{.AccountID}}"
    key            = "states/{{.ProjectID}}/terraform.tfstate"
    region         = "{{.Region}}"
    dynamodb_table = "sirpi-terraform-locks"
    encrypt        = true
  }

  required_providers {
    aws = {
      source  = "hashicorp/aws"
      version = "~> 5.0"
    }
  }
}
`)
