package awstools

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stub struct {
	status int
	body   string
}

// queryRoundTripper answers AWS query-protocol requests by their Action.
type queryRoundTripper struct {
	mu        sync.Mutex
	responses map[string]stub
	actions   []url.Values
}

func (rt *queryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	_ = req.Body.Close()
	values, _ := url.ParseQuery(string(body))
	rt.mu.Lock()
	rt.actions = append(rt.actions, values)
	rt.mu.Unlock()

	resp, ok := rt.responses[values.Get("Action")]
	if !ok {
		resp = stub{status: http.StatusBadRequest, body: "unknown action"}
	}
	if resp.status == 0 {
		resp.status = http.StatusOK
	}
	return &http.Response{
		StatusCode: resp.status,
		Body:       io.NopCloser(strings.NewReader(strings.TrimSpace(resp.body))),
		Header:     http.Header{"Content-Type": []string{"text/xml"}},
		Request:    req,
	}, nil
}

func (rt *queryRoundTripper) last() url.Values {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.actions[len(rt.actions)-1]
}

func stubClients(rt *queryRoundTripper) ClientFactory {
	return func(ctx context.Context, region string) (Clients, string, error) {
		if region == "" {
			region = "ca-central-1"
		}
		cfg := aws.Config{
			Region:       region,
			Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", "TOKEN"),
			HTTPClient:   &http.Client{Transport: rt},
			BaseEndpoint: aws.String("https://aws.test"),
		}
		return FromConfig(cfg), region, nil
	}
}

func connect(t *testing.T, rt *queryRoundTripper) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := NewServer(stubClients(rt)).Connect(ctx, serverT, nil)
	require.NoError(t, err)
	cs, err := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0"}, nil).Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		cs.Close()
		ss.Close()
	})
	return cs
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return res
}

func text(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

const describeInstancesXML = `<DescribeInstancesResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">
  <reservationSet>
    <item>
      <instancesSet>
        <item>
          <instanceId>i-0abc</instanceId>
          <instanceType>t3.micro</instanceType>
          <instanceState><code>16</code><name>running</name></instanceState>
          <placement><availabilityZone>ca-central-1a</availabilityZone></placement>
          <privateIpAddress>10.0.0.1</privateIpAddress>
          <tagSet><item><key>Name</key><value>web-1</value></item></tagSet>
        </item>
        <item>
          <instanceId>i-0def</instanceId>
          <instanceType>t3.small</instanceType>
          <instanceState><code>80</code><name>stopped</name></instanceState>
        </item>
      </instancesSet>
    </item>
  </reservationSet>
</DescribeInstancesResponse>`

func TestListTools(t *testing.T) {
	cs := connect(t, &queryRoundTripper{})
	res, err := cs.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"get_caller_identity", "describe_instances", "start_instances", "stop_instances", "list_users"}, names)
}

func TestDescribeInstances(t *testing.T) {
	rt := &queryRoundTripper{responses: map[string]stub{"DescribeInstances": {body: describeInstancesXML}}}
	cs := connect(t, rt)

	res := call(t, cs, "describe_instances", map[string]any{"state": "running", "limit": 1})
	require.False(t, res.IsError, text(res))
	out := text(res)
	assert.Contains(t, out, "1 instance(s) in ca-central-1")
	assert.Contains(t, out, "i-0abc")
	assert.Contains(t, out, "web-1")
	assert.NotContains(t, out, "i-0def")
	assert.Equal(t, "running", rt.last().Get("Filter.1.Value.1"))
}

func TestCallerIdentity(t *testing.T) {
	rt := &queryRoundTripper{responses: map[string]stub{"GetCallerIdentity": {body: `<GetCallerIdentityResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <GetCallerIdentityResult>
    <Arn>arn:aws:sts::111122223333:assumed-role/ReadOnly/dev</Arn>
    <UserId>AROAEXAMPLE:dev</UserId>
    <Account>111122223333</Account>
  </GetCallerIdentityResult>
  <ResponseMetadata><RequestId>1</RequestId></ResponseMetadata>
</GetCallerIdentityResponse>`}}}
	cs := connect(t, rt)

	res := call(t, cs, "get_caller_identity", nil)
	require.False(t, res.IsError, text(res))
	assert.Contains(t, text(res), "Account: 111122223333")
	assert.Contains(t, text(res), "assumed-role/ReadOnly")
}

func TestListUsers(t *testing.T) {
	rt := &queryRoundTripper{responses: map[string]stub{"ListUsers": {body: `<ListUsersResponse xmlns="https://iam.amazonaws.com/doc/2010-05-08/">
  <ListUsersResult>
    <Users>
      <member>
        <UserName>alice</UserName>
        <Arn>arn:aws:iam::111122223333:user/alice</Arn>
        <UserId>AIDA1</UserId>
        <Path>/</Path>
        <CreateDate>2024-01-02T03:04:05Z</CreateDate>
      </member>
    </Users>
    <IsTruncated>false</IsTruncated>
  </ListUsersResult>
  <ResponseMetadata><RequestId>1</RequestId></ResponseMetadata>
</ListUsersResponse>`}}}
	cs := connect(t, rt)

	res := call(t, cs, "list_users", map[string]any{"path_prefix": "/"})
	require.False(t, res.IsError, text(res))
	assert.Contains(t, text(res), "1 IAM user(s)")
	assert.Contains(t, text(res), "alice")
	assert.Equal(t, "/", rt.last().Get("PathPrefix"))
}

func TestStartInstances(t *testing.T) {
	rt := &queryRoundTripper{responses: map[string]stub{"StartInstances": {body: `<StartInstancesResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">
  <instancesSet>
    <item>
      <instanceId>i-0def</instanceId>
      <currentState><code>0</code><name>pending</name></currentState>
      <previousState><code>80</code><name>stopped</name></previousState>
    </item>
  </instancesSet>
</StartInstancesResponse>`}}}
	cs := connect(t, rt)

	res := call(t, cs, "start_instances", map[string]any{"instance_ids": []any{"i-0def"}, "region": "us-west-2"})
	require.False(t, res.IsError, text(res))
	assert.Contains(t, text(res), "i-0def: stopped -> pending")
	assert.Contains(t, text(res), "us-west-2")
	assert.Equal(t, "i-0def", rt.last().Get("InstanceId.1"))
}

func TestStopInstancesDryRun(t *testing.T) {
	rt := &queryRoundTripper{responses: map[string]stub{"StopInstances": {status: http.StatusPreconditionFailed, body: `<Response>
  <Errors><Error><Code>DryRunOperation</Code><Message>Request would have succeeded, but DryRun flag is set.</Message></Error></Errors>
  <RequestID>1</RequestID>
</Response>`}}}
	cs := connect(t, rt)

	res := call(t, cs, "stop_instances", map[string]any{"instance_ids": []any{"i-0abc"}, "dry_run": true})
	require.False(t, res.IsError, text(res))
	assert.Contains(t, text(res), "Dry run")
}

func TestToolErrorsAreResults(t *testing.T) {
	rt := &queryRoundTripper{responses: map[string]stub{"StopInstances": {status: http.StatusBadRequest, body: `<Response>
  <Errors><Error><Code>InvalidInstanceID.NotFound</Code><Message>The instance ID 'i-0zzz' does not exist</Message></Error></Errors>
  <RequestID>1</RequestID>
</Response>`}}}
	cs := connect(t, rt)

	res := call(t, cs, "stop_instances", map[string]any{"instance_ids": []any{"i-0zzz"}})
	assert.True(t, res.IsError)
	assert.Contains(t, text(res), "does not exist")

	res = call(t, cs, "start_instances", map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, text(res), "instance_ids is required")
}

func TestArgumentHelpers(t *testing.T) {
	assert.Equal(t, "", toString(nil))
	assert.Equal(t, "5", toString(5))
	assert.Equal(t, []string{"a", "b"}, toStringSlice([]any{"a", " ", "b"}))
	assert.Equal(t, []string{"x"}, toStringSlice(" x "))
	assert.Nil(t, toStringSlice(3))
	assert.True(t, toBool(nil, true))
	assert.False(t, toBool(false, true))
	assert.Equal(t, 9, toInt(float64(9), 1))
	assert.Equal(t, 2, toInt("bad", 2))
}
