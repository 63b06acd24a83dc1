package sso

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	ssoportal "github.com/aws/aws-sdk-go-v2/service/sso"
	ssotypes "github.com/aws/aws-sdk-go-v2/service/sso/types"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	oidctypes "github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
)

const (
	deviceGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	refreshGrantType = "refresh_token"
	clientType       = "public"
)

// Token polling outcomes reported by DeviceFlow.CreateToken.
var (
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrSlowDown             = errors.New("slow down")
	ErrDeviceCodeExpired    = errors.New("device code expired")
	ErrAccessDenied         = errors.New("access denied")
	ErrInvalidGrant         = errors.New("invalid grant")
	ErrUnauthorized         = errors.New("sso token rejected")
)

// ClientRegistration is an OIDC public client registered with IAM Identity Center.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	ExpiresAt    time.Time
}

// DeviceAuthorization is the pending device authorization returned by the service.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               time.Duration
	Interval                time.Duration
}

// Token is an SSO access token.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// DeviceFlow is the network side of IAM Identity Center sign-in.
type DeviceFlow interface {
	RegisterClient(ctx context.Context, region, clientName string) (ClientRegistration, error)
	StartDeviceAuthorization(ctx context.Context, region string, client ClientRegistration, startURL string) (DeviceAuthorization, error)
	CreateToken(ctx context.Context, region string, client ClientRegistration, deviceCode string) (Token, error)
	RefreshToken(ctx context.Context, region string, client ClientRegistration, refreshToken string) (Token, error)
	RoleCredentials(ctx context.Context, region, accessToken, accountID, roleName string) (Credentials, error)
}

// AWSDeviceFlow implements DeviceFlow with the SSO OIDC and SSO portal APIs.
type AWSDeviceFlow struct {
	mu      sync.Mutex
	oidc    map[string]*ssooidc.Client
	portal  map[string]*ssoportal.Client
	loadCfg func(ctx context.Context, region string) (aws.Config, error)
}

func NewAWSDeviceFlow() *AWSDeviceFlow {
	return &AWSDeviceFlow{
		oidc:   map[string]*ssooidc.Client{},
		portal: map[string]*ssoportal.Client{},
		loadCfg: func(ctx context.Context, region string) (aws.Config, error) {
			return config.LoadDefaultConfig(ctx,
				config.WithRegion(region),
				config.WithCredentialsProvider(aws.AnonymousCredentials{}),
			)
		},
	}
}

func (f *AWSDeviceFlow) oidcClient(ctx context.Context, region string) (*ssooidc.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.oidc[region]; ok {
		return c, nil
	}
	cfg, err := f.loadCfg(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	c := ssooidc.NewFromConfig(cfg)
	f.oidc[region] = c
	return c, nil
}

func (f *AWSDeviceFlow) portalClient(ctx context.Context, region string) (*ssoportal.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.portal[region]; ok {
		return c, nil
	}
	cfg, err := f.loadCfg(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	c := ssoportal.NewFromConfig(cfg)
	f.portal[region] = c
	return c, nil
}

func (f *AWSDeviceFlow) RegisterClient(ctx context.Context, region, clientName string) (ClientRegistration, error) {
	c, err := f.oidcClient(ctx, region)
	if err != nil {
		return ClientRegistration{}, err
	}
	out, err := c.RegisterClient(ctx, &ssooidc.RegisterClientInput{
		ClientName: aws.String(clientName),
		ClientType: aws.String(clientType),
	})
	if err != nil {
		return ClientRegistration{}, err
	}
	return ClientRegistration{
		ClientID:     aws.ToString(out.ClientId),
		ClientSecret: aws.ToString(out.ClientSecret),
		ExpiresAt:    time.Unix(out.ClientSecretExpiresAt, 0),
	}, nil
}

func (f *AWSDeviceFlow) StartDeviceAuthorization(ctx context.Context, region string, client ClientRegistration, startURL string) (DeviceAuthorization, error) {
	c, err := f.oidcClient(ctx, region)
	if err != nil {
		return DeviceAuthorization{}, err
	}
	out, err := c.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     aws.String(client.ClientID),
		ClientSecret: aws.String(client.ClientSecret),
		StartUrl:     aws.String(startURL),
	})
	if err != nil {
		return DeviceAuthorization{}, err
	}
	return DeviceAuthorization{
		DeviceCode:              aws.ToString(out.DeviceCode),
		UserCode:                aws.ToString(out.UserCode),
		VerificationURI:         aws.ToString(out.VerificationUri),
		VerificationURIComplete: aws.ToString(out.VerificationUriComplete),
		ExpiresIn:               time.Duration(out.ExpiresIn) * time.Second,
		Interval:                time.Duration(out.Interval) * time.Second,
	}, nil
}

func (f *AWSDeviceFlow) CreateToken(ctx context.Context, region string, client ClientRegistration, deviceCode string) (Token, error) {
	c, err := f.oidcClient(ctx, region)
	if err != nil {
		return Token{}, err
	}
	out, err := c.CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(client.ClientID),
		ClientSecret: aws.String(client.ClientSecret),
		GrantType:    aws.String(deviceGrantType),
		DeviceCode:   aws.String(deviceCode),
	})
	if err != nil {
		return Token{}, classifyTokenError(err)
	}
	return tokenFromOutput(out), nil
}

func (f *AWSDeviceFlow) RefreshToken(ctx context.Context, region string, client ClientRegistration, refreshToken string) (Token, error) {
	c, err := f.oidcClient(ctx, region)
	if err != nil {
		return Token{}, err
	}
	out, err := c.CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(client.ClientID),
		ClientSecret: aws.String(client.ClientSecret),
		GrantType:    aws.String(refreshGrantType),
		RefreshToken: aws.String(refreshToken),
	})
	if err != nil {
		return Token{}, classifyTokenError(err)
	}
	tok := tokenFromOutput(out)
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

func (f *AWSDeviceFlow) RoleCredentials(ctx context.Context, region, accessToken, accountID, roleName string) (Credentials, error) {
	c, err := f.portalClient(ctx, region)
	if err != nil {
		return Credentials{}, err
	}
	out, err := c.GetRoleCredentials(ctx, &ssoportal.GetRoleCredentialsInput{
		AccessToken: aws.String(accessToken),
		AccountId:   aws.String(accountID),
		RoleName:    aws.String(roleName),
	})
	if err != nil {
		var unauthorized *ssotypes.UnauthorizedException
		if errors.As(err, &unauthorized) {
			return Credentials{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return Credentials{}, err
	}
	rc := out.RoleCredentials
	if rc == nil {
		return Credentials{}, errors.New("sso returned no role credentials")
	}
	return Credentials{
		AccessKeyID:     aws.ToString(rc.AccessKeyId),
		SecretAccessKey: aws.ToString(rc.SecretAccessKey),
		SessionToken:    aws.ToString(rc.SessionToken),
		Expiration:      time.UnixMilli(rc.Expiration),
	}, nil
}

func tokenFromOutput(out *ssooidc.CreateTokenOutput) Token {
	return Token{
		AccessToken:  aws.ToString(out.AccessToken),
		RefreshToken: aws.ToString(out.RefreshToken),
		ExpiresIn:    time.Duration(out.ExpiresIn) * time.Second,
	}
}

func classifyTokenError(err error) error {
	var (
		pending *oidctypes.AuthorizationPendingException
		slow    *oidctypes.SlowDownException
		expired *oidctypes.ExpiredTokenException
		denied  *oidctypes.AccessDeniedException
		grant   *oidctypes.InvalidGrantException
	)
	switch {
	case errors.As(err, &pending):
		return ErrAuthorizationPending
	case errors.As(err, &slow):
		return ErrSlowDown
	case errors.As(err, &expired):
		return ErrDeviceCodeExpired
	case errors.As(err, &denied):
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	case errors.As(err, &grant):
		return fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	return err
}
