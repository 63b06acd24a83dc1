package awstools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/chukul/cloudchat/internal/apperr"
)

const defaultLimit = 50

func (s *service) tools() []tool {
	return []tool{
		{
			name:        "get_caller_identity",
			description: "Show the AWS account, ARN and user id of the current credentials.",
			schema:      objectSchema(nil, nil),
			readOnly:    true,
			handler:     s.callerIdentity,
		},
		{
			name:        "describe_instances",
			description: "List EC2 instances, optionally filtered by ids or state.",
			schema: objectSchema(map[string]any{
				"region":       stringProp("AWS region, defaults to the profile region"),
				"instance_ids": stringArrayProp("Instance ids to describe"),
				"state":        stringProp("Instance state such as running or stopped"),
				"limit":        map[string]any{"type": "integer", "minimum": 1},
			}, nil),
			readOnly: true,
			handler:  s.describeInstances,
		},
		{
			name:        "start_instances",
			description: "Start stopped EC2 instances.",
			schema: objectSchema(map[string]any{
				"region":       stringProp("AWS region, defaults to the profile region"),
				"instance_ids": stringArrayProp("Instance ids to start"),
				"dry_run":      map[string]any{"type": "boolean"},
			}, []string{"instance_ids"}),
			handler: s.startInstances,
		},
		{
			name:        "stop_instances",
			description: "Stop running EC2 instances.",
			schema: objectSchema(map[string]any{
				"region":       stringProp("AWS region, defaults to the profile region"),
				"instance_ids": stringArrayProp("Instance ids to stop"),
				"dry_run":      map[string]any{"type": "boolean"},
			}, []string{"instance_ids"}),
			handler: s.stopInstances,
		},
		{
			name:        "list_users",
			description: "List IAM users in the account.",
			schema: objectSchema(map[string]any{
				"path_prefix": stringProp("Only users under this path, e.g. /engineering/"),
				"limit":       map[string]any{"type": "integer", "minimum": 1},
			}, nil),
			readOnly: true,
			handler:  s.listUsers,
		},
	}
}

func objectSchema(props map[string]any, required []string) map[string]any {
	if props == nil {
		props = map[string]any{}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func stringArrayProp(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

func (s *service) callerIdentity(ctx context.Context, args map[string]any) (string, any, error) {
	const op = "sts.GetCallerIdentity"
	c, _, err := s.clients(ctx, "")
	if err != nil {
		return "", nil, err
	}
	out, err := c.STS.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", nil, apperr.FromAWS(op, err)
	}
	data := map[string]any{
		"account": aws.ToString(out.Account),
		"arn":     aws.ToString(out.Arn),
		"user_id": aws.ToString(out.UserId),
	}
	text := fmt.Sprintf("Account: %s\nARN:     %s\nUserId:  %s", data["account"], data["arn"], data["user_id"])
	return text, data, nil
}

func (s *service) describeInstances(ctx context.Context, args map[string]any) (string, any, error) {
	const op = "ec2.DescribeInstances"
	c, region, err := s.clients(ctx, toString(args["region"]))
	if err != nil {
		return "", nil, err
	}
	limit := toInt(args["limit"], defaultLimit)
	input := &ec2.DescribeInstancesInput{}
	if ids := toStringSlice(args["instance_ids"]); len(ids) > 0 {
		input.InstanceIds = ids
	}
	if state := toString(args["state"]); state != "" {
		input.Filters = []ec2types.Filter{{Name: aws.String("instance-state-name"), Values: []string{state}}}
	}

	var instances []map[string]any
	p := ec2.NewDescribeInstancesPaginator(c.EC2, input)
	for p.HasMorePages() && len(instances) < limit {
		out, err := p.NextPage(ctx)
		if err != nil {
			return "", nil, apperr.FromAWS(op, err)
		}
		for _, r := range out.Reservations {
			for _, inst := range r.Instances {
				if len(instances) >= limit {
					break
				}
				instances = append(instances, summarizeInstance(inst))
			}
		}
	}

	var b strings.Builder
	if len(instances) == 0 {
		fmt.Fprintf(&b, "No EC2 instances found in %s.", region)
	} else {
		fmt.Fprintf(&b, "%d instance(s) in %s:", len(instances), region)
		for _, inst := range instances {
			fmt.Fprintf(&b, "\n  %-20s %-10s %-12s %s", inst["id"], inst["state"], inst["type"], inst["name"])
		}
	}
	return b.String(), map[string]any{"region": region, "count": len(instances), "instances": instances}, nil
}

func (s *service) startInstances(ctx context.Context, args map[string]any) (string, any, error) {
	return s.changeInstances(ctx, args, "start")
}

func (s *service) stopInstances(ctx context.Context, args map[string]any) (string, any, error) {
	return s.changeInstances(ctx, args, "stop")
}

func (s *service) changeInstances(ctx context.Context, args map[string]any, action string) (string, any, error) {
	ids := toStringSlice(args["instance_ids"])
	if len(ids) == 0 {
		return "", nil, apperr.Validation(action+"_instances", "instance_ids is required")
	}
	c, region, err := s.clients(ctx, toString(args["region"]))
	if err != nil {
		return "", nil, err
	}
	dryRun := aws.Bool(toBool(args["dry_run"], false))

	var (
		changes []ec2types.InstanceStateChange
		op      string
	)
	switch action {
	case "start":
		op = "ec2.StartInstances"
		var out *ec2.StartInstancesOutput
		if out, err = c.EC2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids, DryRun: dryRun}); err == nil {
			changes = out.StartingInstances
		}
	default:
		op = "ec2.StopInstances"
		var out *ec2.StopInstancesOutput
		if out, err = c.EC2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids, DryRun: dryRun}); err == nil {
			changes = out.StoppingInstances
		}
	}
	if err != nil {
		var apiErr smithy.APIError
		if *dryRun && errors.As(err, &apiErr) && apiErr.ErrorCode() == "DryRunOperation" {
			text := fmt.Sprintf("Dry run: the %s of %s would succeed.", action, strings.Join(ids, ", "))
			return text, map[string]any{"region": region, "dry_run": true, "instance_ids": ids}, nil
		}
		return "", nil, apperr.FromAWS(op, err)
	}

	var (
		b    strings.Builder
		rows []map[string]any
	)
	fmt.Fprintf(&b, "Requested %s of %d instance(s) in %s:", action, len(ids), region)
	for _, ch := range changes {
		row := map[string]any{
			"id":   aws.ToString(ch.InstanceId),
			"from": stateName(ch.PreviousState),
			"to":   stateName(ch.CurrentState),
		}
		rows = append(rows, row)
		fmt.Fprintf(&b, "\n  %s: %s -> %s", row["id"], row["from"], row["to"])
	}
	return b.String(), map[string]any{"region": region, "changes": rows}, nil
}

func (s *service) listUsers(ctx context.Context, args map[string]any) (string, any, error) {
	const op = "iam.ListUsers"
	c, _, err := s.clients(ctx, "")
	if err != nil {
		return "", nil, err
	}
	limit := toInt(args["limit"], defaultLimit)
	input := &iam.ListUsersInput{}
	if prefix := toString(args["path_prefix"]); prefix != "" {
		input.PathPrefix = aws.String(prefix)
	}

	var users []map[string]any
	p := iam.NewListUsersPaginator(c.IAM, input)
	for p.HasMorePages() && len(users) < limit {
		out, err := p.NextPage(ctx)
		if err != nil {
			return "", nil, apperr.FromAWS(op, err)
		}
		for _, u := range out.Users {
			if len(users) >= limit {
				break
			}
			row := map[string]any{
				"name": aws.ToString(u.UserName),
				"arn":  aws.ToString(u.Arn),
			}
			if u.CreateDate != nil {
				row["created"] = u.CreateDate.UTC().Format("2006-01-02")
			}
			users = append(users, row)
		}
	}

	var b strings.Builder
	if len(users) == 0 {
		b.WriteString("No IAM users found.")
	} else {
		fmt.Fprintf(&b, "%d IAM user(s):", len(users))
		for _, u := range users {
			fmt.Fprintf(&b, "\n  %-24s %s", u["name"], u["arn"])
		}
	}
	return b.String(), map[string]any{"count": len(users), "users": users}, nil
}

func summarizeInstance(inst ec2types.Instance) map[string]any {
	out := map[string]any{
		"id":         aws.ToString(inst.InstanceId),
		"state":      stateName(inst.State),
		"type":       string(inst.InstanceType),
		"private_ip": aws.ToString(inst.PrivateIpAddress),
		"public_ip":  aws.ToString(inst.PublicIpAddress),
		"name":       "",
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			out["name"] = aws.ToString(tag.Value)
		}
	}
	if inst.Placement != nil {
		out["availability_zone"] = aws.ToString(inst.Placement.AvailabilityZone)
	}
	if inst.LaunchTime != nil {
		out["launch_time"] = inst.LaunchTime.UTC()
	}
	return out
}

func stateName(st *ec2types.InstanceState) string {
	if st == nil {
		return "unknown"
	}
	return string(st.Name)
}
