// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Binary sirpi is the operator CLI for the Sirpi service.
package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sirpi/sirpi/internal/api"
	"github.com/sirpi/sirpi/pkg/schema"
	"github.com/sirpi/sirpi/pkg/workflow"
)

var (
	apiURL  string
	userID  string
	shape   string
	roleARN string
	follow  bool
)

var (
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	white  = color.New(color.FgWhite).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "sirpi [subcommand]",
	Short: "Drive repository-to-deployment workflows",
}

func endpoint(path string) (*url.URL, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing api URL %q", apiURL)
	}
	return u.JoinPath(path), nil
}

func call[I schema.Message, O any](path string, req I) (*O, error) {
	u, err := endpoint(path)
	if err != nil {
		return nil, err
	}
	stub := api.Stub[I, O](http.DefaultClient, u)
	return stub(rootCmd.Context(), req)
}

func printEntry(out *os.File, e workflow.LogEntry) {
	tint := white
	switch e.Severity {
	case workflow.SeverityWarn:
		tint = yellow
	case workflow.SeverityError:
		tint = red
	}
	fmt.Fprintf(out, "%s %-10s %s\n", e.Timestamp.Format(time.TimeOnly), e.Producer, tint(e.Message))
}

// followLogs polls the logs endpoint until the project reaches a terminal
// state. The SSE stream serves browsers; polling keeps the CLI dependency-free.
func followLogs(cmd *cobra.Command, projectID string) error {
	cursor := 0
	for {
		resp, err := call[schema.LogsRequest, schema.LogsResponse]("v1/logs", schema.LogsRequest{ProjectID: projectID, Cursor: cursor})
		if err != nil {
			return err
		}
		for _, e := range resp.Entries {
			printEntry(os.Stdout, e)
		}
		cursor = resp.Cursor
		status, err := call[schema.StatusRequest, schema.StatusResponse]("v1/status", schema.StatusRequest{ProjectID: projectID})
		if err != nil {
			return err
		}
		if status.Status.Terminal() {
			if status.Status == workflow.StatusFailed || status.Status == workflow.StatusDeploymentFailed {
				return errors.Errorf("workflow failed: %s", status.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("workflow %s", status.Status)))
			return nil
		}
		if status.Status == workflow.StatusAwaitingReview || status.Status == workflow.StatusReadyToDeploy {
			fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("workflow paused: %s", status.Status)))
			return nil
		}
		time.Sleep(2 * time.Second)
	}
}

var generateCmd = &cobra.Command{
	Use:           "generate <project-id> <owner>/<repo>",
	Short:         "Analyze a repository and raise a PR with deployment configuration.",
	Args:          cobra.ExactArgs(2),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, repo, ok := strings.Cut(args[1], "/")
		if !ok {
			return errors.Errorf("expected <owner>/<repo>, got %q", args[1])
		}
		resp, err := call[schema.GenerateRequest, schema.GenerateResponse]("v1/generate", schema.GenerateRequest{
			ProjectID: args[0],
			UserID:    userID,
			Owner:     owner,
			Repo:      repo,
			Shape:     workflow.Shape(shape),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %s started\n", resp.SessionID)
		if follow {
			return followLogs(cmd, args[0])
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:           "status <project-id>",
	Short:         "Report a project's workflow state.",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call[schema.StatusRequest, schema.StatusResponse]("v1/status", schema.StatusRequest{ProjectID: args[0]})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", resp.Status)
		if resp.Error != "" {
			fmt.Fprintln(cmd.OutOrStdout(), red("error: "+resp.Error))
		}
		if resp.PRURL != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "change request: %s\n", resp.PRURL)
		}
		if resp.ApplicationURL != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "application: %s\n", resp.ApplicationURL)
		}
		for _, f := range resp.Files {
			fmt.Fprintf(cmd.OutOrStdout(), "artifact: %s\n", f)
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:           "logs <project-id>",
	Short:         "Print buffered workflow logs, optionally following until done.",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if follow {
			return followLogs(cmd, args[0])
		}
		resp, err := call[schema.LogsRequest, schema.LogsResponse]("v1/logs", schema.LogsRequest{ProjectID: args[0]})
		if err != nil {
			return err
		}
		for _, e := range resp.Entries {
			printEntry(os.Stdout, e)
		}
		return nil
	},
}

var deployCmd = &cobra.Command{
	Use:           "deploy <project-id> [build-image|plan|apply]",
	Short:         "Run a deployment operation for a reviewed project; the default runs build, plan and apply in sequence.",
	Args:          cobra.RangeArgs(1, 2),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var op string
		if len(args) == 2 {
			op = args[1]
			if !workflow.KnownOperation(op) {
				return errors.Errorf("unknown operation %q, expected build-image, plan or apply", op)
			}
		}
		resp, err := call[schema.DeployRequest, schema.DeployResponse]("v1/deploy", schema.DeployRequest{ProjectID: args[0], UserID: userID, Operation: op})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deployment queued: %s\n", resp.Status)
		if follow {
			return followLogs(cmd, args[0])
		}
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:           "destroy <project-id>",
	Short:         "Tear down a project's deployed infrastructure.",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := call[schema.DestroyRequest, schema.DestroyResponse]("v1/destroy", schema.DestroyRequest{ProjectID: args[0], UserID: userID})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "teardown queued: %s\n", resp.Status)
		if follow {
			return followLogs(cmd, args[0])
		}
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [subcommand]",
	Short: "Manage the cross-account cloud connection.",
}

var connectInitCmd = &cobra.Command{
	Use:           "init",
	Short:         "Start registering a cloud account and print the console setup URL.",
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := call[schema.ConnectInitRequest, schema.ConnectInitResponse]("v1/connect/init", schema.ConnectInitRequest{UserID: userID})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "open the following URL to provision the deployment role:")
		fmt.Fprintln(cmd.OutOrStdout(), resp.SetupURL)
		fmt.Fprintf(cmd.OutOrStdout(), "external id: %s\n", resp.ExternalID)
		return nil
	},
}

var connectVerifyCmd = &cobra.Command{
	Use:           "verify",
	Short:         "Verify the provisioned role and activate the connection.",
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if roleARN == "" {
			return errors.New("--role-arn is required")
		}
		resp, err := call[schema.ConnectVerifyRequest, schema.ConnectVerifyResponse]("v1/connect/verify", schema.ConnectVerifyRequest{UserID: userID, RoleARN: roleARN})
		if err != nil {
			return err
		}
		if resp.Status != "verified" {
			return errors.Errorf("connection is %s; check the role trust policy and retry", resp.Status)
		}
		fmt.Fprintln(cmd.OutOrStdout(), green(fmt.Sprintf("connected to account %s", resp.AccountID)))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "base URL of the Sirpi service")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user ID the workflows run as")
	generateCmd.Flags().StringVar(&shape, "shape", string(workflow.ContainerService), "deployment shape [container-service, vm, serverless]")
	connectVerifyCmd.Flags().StringVar(&roleARN, "role-arn", "", "ARN of the provisioned deployment role")
	for _, c := range []*cobra.Command{generateCmd, logsCmd, deployCmd, destroyCmd} {
		c.Flags().BoolVar(&follow, "follow", false, "stream logs until the workflow pauses or finishes")
	}
	connectCmd.AddCommand(connectInitCmd)
	connectCmd.AddCommand(connectVerifyCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
