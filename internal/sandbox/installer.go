// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sirpi/sirpi/internal/textwrap"
)

// terraformVersion is the pinned version installed into sandboxes.
const terraformVersion = "1.6.0"

// checkToolsCmd exits zero only when every required tool is present.
const checkToolsCmd = "command -v docker && command -v terraform && command -v aws && command -v git"

var installCmd = textwrap.Dedent(`
	set -e
	export DEBIAN_FRONTEND=noninteractive
	apt-get update -qq
	apt-get install -y -qq docker.io awscli git curl unzip
	curl -sLo /tmp/terraform.zip https://releases.hashicorp.com/terraform/` + terraformVersion + `/terraform_` + terraformVersion + `_linux_amd64.zip
	unzip -o -q /tmp/terraform.zip -d /usr/local/bin
	rm /tmp/terraform.zip
	terraform version
`)

// InstallTools makes sure docker, terraform, the cloud CLI and git exist in
// the sandbox. Idempotent: a sandbox that already has the tools is left
// untouched.
func InstallTools(ctx context.Context, sb Sandbox, observer LineObserver) error {
	check, err := sb.Run(ctx, checkToolsCmd, DefaultTimeout, nil)
	if err != nil {
		return errors.Wrap(err, "probing sandbox tools")
	}
	if check.Ok() {
		return nil
	}
	install, err := sb.Run(ctx, installCmd, 10*DefaultTimeout, observer)
	if err != nil {
		return errors.Wrap(err, "installing sandbox tools")
	}
	if !install.Ok() {
		return errors.Errorf("tool install exited %d: %s", install.ExitCode, tail(install.Stderr, 500))
	}
	return nil
}

// WriteCredentials places brokered credentials where commands source them.
func WriteCredentials(ctx context.Context, sb Sandbox, envFile string) error {
	if err := sb.WriteFile(ctx, CredsPath, envFile); err != nil {
		return errors.Wrap(err, "writing credentials file")
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
