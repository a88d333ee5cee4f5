// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Binary api serves the Sirpi workflow endpoints.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	brt "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/sirpi/sirpi/internal/agentgw"
	"github.com/sirpi/sirpi/internal/api/apiservice"
	"github.com/sirpi/sirpi/internal/artifacts"
	"github.com/sirpi/sirpi/internal/broker"
	"github.com/sirpi/sirpi/internal/engine"
	"github.com/sirpi/sirpi/internal/github"
	"github.com/sirpi/sirpi/internal/inspector"
	"github.com/sirpi/sirpi/internal/memory"
	"github.com/sirpi/sirpi/internal/sandbox"
	"github.com/sirpi/sirpi/internal/store"
)

var (
	addr            = flag.String("addr", ":8080", "listen address")
	region          = flag.String("region", "us-east-1", "AWS region for service and deployment resources")
	serviceAccount  = flag.String("service-account", "", "AWS account ID the service runs in, trusted by caller roles")
	connectTemplate = flag.String("connect-template", "", "URL of the CloudFormation template that provisions the caller role")
	dbDSN           = flag.String("db", "", "Postgres DSN for the relational store")
	artifactsBucket = flag.String("artifacts-bucket", "", "S3 bucket for generated artifact bundles")
	sandboxURL      = flag.String("sandbox-url", "", "base URL of the sandbox service")
	sandboxKey      = flag.String("sandbox-api-key", "", "API key for the sandbox service")
	sandboxWorkers  = flag.Int("sandbox-workers", 4, "concurrent sandbox pipelines")
	githubAppID     = flag.String("github-app-id", "", "GitHub App ID")
	githubKeyPath   = flag.String("github-key", "", "path to the GitHub App private key PEM")
	githubInstall   = flag.Int64("github-installation", 0, "GitHub App installation ID")
	analyzerID      = flag.String("analyzer-agent-id", "", "Bedrock agent ID of the context analyzer")
	analyzerAlias   = flag.String("analyzer-agent-alias", "", "Bedrock agent alias ID of the context analyzer")
	recipeID        = flag.String("recipe-agent-id", "", "Bedrock agent ID of the Dockerfile generator")
	recipeAlias     = flag.String("recipe-agent-alias", "", "Bedrock agent alias ID of the Dockerfile generator")
)

func main() {
	flag.Parse()
	ctx := context.Background()

	db, err := store.Open(*dbDSN)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrating store: %v", err)
	}

	pemKey, err := os.ReadFile(*githubKeyPath)
	if err != nil {
		log.Fatalf("reading GitHub App key: %v", err)
	}
	app, err := github.NewApp(*githubAppID, pemKey)
	if err != nil {
		log.Fatalf("configuring GitHub App: %v", err)
	}
	// tokens are minted per request, so the client outlives any one token
	host := app.InstallationClient(*githubInstall)

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(*region))
	if err != nil {
		log.Fatalf("loading AWS config: %v", err)
	}
	s3client := s3.NewFromConfig(cfg)
	bundles := artifacts.New(s3client, s3.NewPresignClient(s3client), *artifactsBucket)
	creds := broker.New(sts.NewFromConfig(cfg), *serviceAccount, *connectTemplate, *region)

	pool := sandbox.NewPool(*sandboxWorkers)
	defer pool.Close()

	eng := engine.New(engine.Engine{
		Inspector: &inspector.Inspector{Host: host},
		Gateway:   agentgw.NewGateway(agentgw.NewBedrockRuntime(brt.NewFromConfig(cfg))),
		Agents: engine.Agents{
			Analyzer:  agentgw.Agent{Name: "context-analyzer", ID: *analyzerID, AliasID: *analyzerAlias},
			RecipeGen: agentgw.Agent{Name: "dockerfile-generator", ID: *recipeID, AliasID: *recipeAlias},
		},
		Memory:    memory.New(),
		Artifacts: bundles,
		Broker:    creds,
		Store:     db,
		Host:      host,
		Sandboxes: &sandbox.HTTPProvider{Client: http.DefaultClient, BaseURL: *sandboxURL, APIKey: *sandboxKey},
		Pool:      pool,
		Clients:   engine.AWSClients{},
		Region:    *region,
	})

	go func() {
		for range time.Tick(time.Minute) {
			eng.Reap()
		}
	}()

	mux := http.NewServeMux()
	apiservice.Routes(mux, &apiservice.Deps{Engine: eng, Broker: creds, Store: db})
	log.Printf("listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalln(err)
	}
}
