// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package summary derives a categorized deployment summary from terraform
// apply output so the UI can show what was provisioned without parsing HCL.
package summary

import (
	"regexp"
	"sort"
	"strings"
)

// Category buckets for provisioned resources.
const (
	CategoryNetworking    = "networking"
	CategoryLoadBalancing = "load-balancing"
	CategoryCompute       = "compute"
	CategorySecurity      = "security"
	CategoryMonitoring    = "monitoring"
	CategoryOther         = "other"
)

// categoryKeywords maps resource-type substrings to buckets. First match in
// this order wins, so load balancers classify before generic networking.
var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{CategoryLoadBalancing, []string{"_lb", "_alb", "_elb", "listener", "target_group"}},
	{CategoryNetworking, []string{"vpc", "subnet", "route", "gateway", "eip", "nat"}},
	{CategoryMonitoring, []string{"cloudwatch", "log_group", "alarm", "metric"}},
	{CategorySecurity, []string{"iam", "security_group", "kms", "acm", "secret"}},
	{CategoryCompute, []string{"ecs", "ec2", "instance", "lambda", "autoscaling", "launch_template", "ecr", "task_definition"}},
}

// Resource is one provisioned resource from apply output.
type Resource struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Summary groups provisioned resources by category.
type Summary struct {
	Resources  []Resource     `json:"resources"`
	ByCategory map[string]int `json:"by_category"`
	Total      int            `json:"total"`
}

// Lines like "aws_ecs_service.main: Creation complete after 1m2s [id=...]".
var createdRe = regexp.MustCompile(`(?m)^(aws_[a-z0-9_]+)\.([\w-]+): Creation complete`)

// FromApplyOutput extracts the resources terraform reports as created and
// buckets each by type. Output is sorted by type then name and deduplicated.
func FromApplyOutput(output string) Summary {
	seen := make(map[string]bool)
	var resources []Resource
	for _, m := range createdRe.FindAllStringSubmatch(output, -1) {
		key := m[1] + "." + m[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		resources = append(resources, Resource{Type: m[1], Name: m[2], Category: Categorize(m[1])})
	}
	sort.Slice(resources, func(i, j int) bool {
		if resources[i].Type != resources[j].Type {
			return resources[i].Type < resources[j].Type
		}
		return resources[i].Name < resources[j].Name
	})
	counts := make(map[string]int)
	for _, r := range resources {
		counts[r.Category]++
	}
	return Summary{Resources: resources, ByCategory: counts, Total: len(resources)}
}

// Categorize buckets a terraform resource type.
func Categorize(resourceType string) string {
	t := strings.ToLower(resourceType)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(t, kw) {
				return c.category
			}
		}
	}
	return CategoryOther
}
