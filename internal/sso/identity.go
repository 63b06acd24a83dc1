package sso

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// IdentityResolver reports who a set of credentials belongs to.
type IdentityResolver interface {
	CallerIdentity(ctx context.Context, creds Credentials) (Identity, error)
}

// STSIdentity resolves identities with sts:GetCallerIdentity.
type STSIdentity struct{}

func (STSIdentity) CallerIdentity(ctx context.Context, creds Credentials) (Identity, error) {
	cfg, err := AWSConfig(ctx, creds)
	if err != nil {
		return Identity{}, err
	}
	out, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Account: aws.ToString(out.Account),
		Arn:     aws.ToString(out.Arn),
		UserID:  aws.ToString(out.UserId),
	}, nil
}

// AWSConfig builds an SDK config that uses exactly these credentials.
func AWSConfig(ctx context.Context, creds Credentials) (aws.Config, error) {
	return config.LoadDefaultConfig(ctx,
		config.WithRegion(creds.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretAccessKey,
			creds.SessionToken,
		)),
	)
}
