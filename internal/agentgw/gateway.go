// Copyright 2025 Sirpi Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentgw invokes the remote reasoning agents that generate analysis
// and artifacts. It owns stream reading, throttle retry and the extraction
// of structured payloads from loosely formatted agent output.
package agentgw

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	brt "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	brttypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

// Agent identifies one remote agent variant.
type Agent struct {
	Name    string
	ID      string
	AliasID string
}

// ChunkStream yields response chunks until io.EOF.
type ChunkStream interface {
	Recv() ([]byte, error)
	Close() error
}

// Runtime is the minimal invocation surface of the agent service.
type Runtime interface {
	InvokeAgent(ctx context.Context, agentID, aliasID, sessionID, prompt string) (ChunkStream, error)
}

// Observer receives each chunk as it arrives. It must return promptly; the
// gateway calls it inline while draining the stream.
type Observer func(agent, chunk string)

// RateLimitedError reports that every attempt hit the service's throttle.
type RateLimitedError struct {
	Agent    string
	Attempts int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("agent %s rate limited after %d attempts, retry in a few minutes", e.Agent, e.Attempts)
}

const defaultMaxAttempts = 3

// Gateway invokes agents with throttle retry.
type Gateway struct {
	Runtime     Runtime
	MaxAttempts int
	// sleep is swapped in tests.
	sleep func(time.Duration)
}

// NewGateway wraps a Runtime with the default retry policy.
func NewGateway(rt Runtime) *Gateway {
	return &Gateway{Runtime: rt, MaxAttempts: defaultMaxAttempts, sleep: time.Sleep}
}

// Invoke sends prompt to the agent and returns the concatenated response
// text. Each throttled attempt waits 2^attempt seconds before the next try;
// the rate-limit error surfaces only after the final wait. Any other failure
// surfaces immediately. Retry notices go through the observer so they land
// in the session log.
func (g *Gateway) Invoke(ctx context.Context, agent Agent, sessionID, prompt string, observer Observer) (string, error) {
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	sleep := g.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		text, err := g.invokeOnce(ctx, agent, sessionID, prompt, observer)
		if err == nil {
			return text, nil
		}
		if !isThrottle(err) {
			return "", errors.Wrapf(err, "invoking agent %s", agent.Name)
		}
		wait := time.Duration(1<<attempt) * time.Second
		if observer != nil {
			observer(agent.Name, fmt.Sprintf("throttled, retrying in %s", wait))
		}
		sleep(wait)
	}
	return "", &RateLimitedError{Agent: agent.Name, Attempts: attempts}
}

func (g *Gateway) invokeOnce(ctx context.Context, agent Agent, sessionID, prompt string, observer Observer) (string, error) {
	stream, err := g.Runtime.InvokeAgent(ctx, agent.ID, agent.AliasID, sessionID, prompt)
	if err != nil {
		return "", err
	}
	defer stream.Close()
	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return "", err
		}
		b.Write(chunk)
		if observer != nil {
			observer(agent.Name, string(chunk))
		}
	}
}

func isThrottle(err error) bool {
	var throttle *brttypes.ThrottlingException
	if errors.As(err, &throttle) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return strings.Contains(code, "Throttling") || code == "TooManyRequestsException"
	}
	return false
}

// bedrockRuntime adapts the AWS agent-runtime client to Runtime.
type bedrockRuntime struct {
	client *brt.Client
}

// NewBedrockRuntime wraps a configured agent-runtime client.
func NewBedrockRuntime(client *brt.Client) Runtime {
	return &bedrockRuntime{client: client}
}

func (r *bedrockRuntime) InvokeAgent(ctx context.Context, agentID, aliasID, sessionID, prompt string) (ChunkStream, error) {
	out, err := r.client.InvokeAgent(ctx, &brt.InvokeAgentInput{
		AgentId:      aws.String(agentID),
		AgentAliasId: aws.String(aliasID),
		SessionId:    aws.String(sessionID),
		InputText:    aws.String(prompt),
		EnableTrace:  aws.Bool(false),
	})
	if err != nil {
		return nil, err
	}
	return &bedrockStream{stream: out.GetStream()}, nil
}

type bedrockStream struct {
	stream *brt.InvokeAgentEventStream
}

func (s *bedrockStream) Recv() ([]byte, error) {
	for event := range s.stream.Events() {
		if chunk, ok := event.(*brttypes.ResponseStreamMemberChunk); ok {
			return chunk.Value.Bytes, nil
		}
		// trace and citation events are skipped
	}
	if err := s.stream.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (s *bedrockStream) Close() error {
	return s.stream.Close()
}
