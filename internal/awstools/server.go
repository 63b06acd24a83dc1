// Package awstools is the built-in tool server. It exposes a handful of EC2,
// IAM and STS operations over MCP and runs as a child process of the
// supervisor ("cloudchat serve-tools"), using the AWS credentials passed in its
// environment.
package awstools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	log "github.com/sirupsen/logrus"

	"github.com/chukul/cloudchat/internal/apperr"
	"github.com/chukul/cloudchat/internal/version"
)

const ServerName = "cloudchat-aws-tools"

// Clients are the AWS API clients for one region.
type Clients struct {
	EC2 *ec2.Client
	IAM *iam.Client
	STS *sts.Client
}

// ClientFactory returns clients for region, or for the default region when
// region is empty, along with the region actually used.
type ClientFactory func(ctx context.Context, region string) (Clients, string, error)

// EnvClients builds clients from the standard AWS environment and shared
// config.
func EnvClients(fallbackRegion string) ClientFactory {
	return func(ctx context.Context, region string) (Clients, string, error) {
		opts := []func(*awsconfig.LoadOptions) error{}
		if region != "" {
			opts = append(opts, awsconfig.WithRegion(region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return Clients{}, "", fmt.Errorf("load AWS config: %w", err)
		}
		if cfg.Region == "" {
			cfg.Region = fallbackRegion
		}
		return FromConfig(cfg), cfg.Region, nil
	}
}

func FromConfig(cfg aws.Config) Clients {
	return Clients{
		EC2: ec2.NewFromConfig(cfg),
		IAM: iam.NewFromConfig(cfg),
		STS: sts.NewFromConfig(cfg),
	}
}

type service struct {
	clients ClientFactory
}

type handlerFunc func(ctx context.Context, args map[string]any) (text string, data any, err error)

// NewServer returns the built-in MCP server.
func NewServer(clients ClientFactory) *mcp.Server {
	s := &service{clients: clients}
	server := mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version.Current}, &mcp.ServerOptions{
		Instructions: "Inspect and operate AWS resources in the account of the active profile.",
	})
	for _, t := range s.tools() {
		add(server, t)
	}
	return server
}

// Serve runs the server on stdin and stdout until the client disconnects.
func Serve(ctx context.Context, clients ClientFactory) error {
	return NewServer(clients).Run(ctx, &mcp.StdioTransport{})
}

type tool struct {
	name        string
	description string
	schema      map[string]any
	readOnly    bool
	handler     handlerFunc
}

func add(server *mcp.Server, t tool) {
	def := &mcp.Tool{
		Name:        t.name,
		Description: t.description,
		InputSchema: t.schema,
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: t.readOnly},
	}
	server.AddTool(def, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := map[string]any{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(fmt.Errorf("arguments must be a JSON object: %w", err)), nil
			}
		}
		text, data, err := t.handler(ctx, args)
		if err != nil {
			log.WithError(err).WithField("tool", t.name).Debug("tool failed")
			return errorResult(err), nil
		}
		return &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: text}},
			StructuredContent: data,
		}, nil
	})
}

func errorResult(err error) *mcp.CallToolResult {
	msg := err.Error()
	if k := apperr.KindOf(err); k != apperr.KindInternal {
		msg = apperr.UserMessage(err)
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}

func toString(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprintf("%v", value)
}

func toStringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{strings.TrimSpace(v)}
	default:
		return nil
	}
}

func toBool(value any, fallback bool) bool {
	if b, ok := value.(bool); ok {
		return b
	}
	return fallback
}

func toInt(value any, fallback int) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return int(parsed)
		}
	}
	return fallback
}
