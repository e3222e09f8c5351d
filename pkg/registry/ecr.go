package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// DefaultECRTokenLifetime is the nominal lifetime of an ECR
// authorization token.
const DefaultECRTokenLifetime = 12 * time.Hour

// ECRProvider is a registry provider backed by AWS ECR. When RoleARN is
// set the provider assumes that role for every call, so tokens are
// always minted with fresh role credentials.
type ECRProvider struct {
	region       string
	roleARN      string
	registryHost string
}

// ECRConfig configures the ECR provider.
type ECRConfig struct {
	Region       string
	RoleARN      string
	RegistryHost string
}

// NewECRProvider creates an ECR-backed provider.
func NewECRProvider(cfg ECRConfig) (*ECRProvider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("ecr provider requires a region")
	}
	return &ECRProvider{
		region:       cfg.Region,
		roleARN:      cfg.RoleARN,
		registryHost: cfg.RegistryHost,
	}, nil
}

// client builds a fresh ECR client. Role assumption happens here, per
// call.
func (p *ECRProvider) client(ctx context.Context) (*ecr.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	if p.roleARN != "" {
		stsClient := sts.NewFromConfig(cfg)
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, p.roleARN))
	}
	return ecr.NewFromConfig(cfg), nil
}

func (p *ECRProvider) authorizationToken(ctx context.Context) (user, password, endpoint string, expires time.Duration, err error) {
	client, err := p.client(ctx)
	if err != nil {
		return "", "", "", 0, err
	}

	out, err := client.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", "", 0, fmt.Errorf("failed to get ecr authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return "", "", "", 0, fmt.Errorf("ecr returned no authorization data")
	}

	data := out.AuthorizationData[0]
	raw, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return "", "", "", 0, fmt.Errorf("failed to decode ecr token: %w", err)
	}
	user, password, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", "", "", 0, fmt.Errorf("malformed ecr token")
	}

	endpoint = strings.TrimPrefix(aws.ToString(data.ProxyEndpoint), "https://")
	if data.ExpiresAt != nil {
		expires = time.Until(*data.ExpiresAt)
	}
	return user, password, endpoint, expires, nil
}

func (p *ECRProvider) GetCredentials(ctx context.Context, repository string) (*Credentials, error) {
	user, password, endpoint, expires, err := p.authorizationToken(ctx)
	if err != nil {
		return nil, err
	}
	return &Credentials{
		URL:       endpoint,
		Username:  user,
		Password:  password,
		ExpiresIn: expires,
	}, nil
}

func (p *ECRProvider) GetPullCredentials(ctx context.Context) (*PullCredentials, error) {
	user, password, _, _, err := p.authorizationToken(ctx)
	if err != nil {
		return nil, err
	}
	return &PullCredentials{Username: user, Password: password}, nil
}

func (p *ECRProvider) RegistryHost() string {
	return p.registryHost
}

func (p *ECRProvider) ImageTag(project, deploymentID string, kind ImageTagKind) string {
	return imageTag(p.registryHost, project, deploymentID)
}

func (p *ECRProvider) CredentialLifetime() time.Duration {
	return DefaultECRTokenLifetime
}

// CreateRepository creates the project's repository; an existing
// repository counts as success.
func (p *ECRProvider) CreateRepository(ctx context.Context, project string) error {
	client, err := p.client(ctx)
	if err != nil {
		return err
	}

	_, err = client.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(project),
		Tags: []ecrtypes.Tag{
			{Key: aws.String("managed-by"), Value: aws.String("rise")},
		},
	})
	var exists *ecrtypes.RepositoryAlreadyExistsException
	if errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create repository %s: %w", project, err)
	}
	return nil
}

// DeleteRepository force-deletes the repository including images. A
// missing repository counts as success.
func (p *ECRProvider) DeleteRepository(ctx context.Context, project string) error {
	client, err := p.client(ctx)
	if err != nil {
		return err
	}

	_, err = client.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(project),
		Force:          true,
	})
	var notFound *ecrtypes.RepositoryNotFoundException
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete repository %s: %w", project, err)
	}
	return nil
}

// TagRepositoryOrphaned marks the repository orphaned=true so an
// operator can garbage collect it later.
func (p *ECRProvider) TagRepositoryOrphaned(ctx context.Context, project string) error {
	client, err := p.client(ctx)
	if err != nil {
		return err
	}

	desc, err := client.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{project},
	})
	var notFound *ecrtypes.RepositoryNotFoundException
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to describe repository %s: %w", project, err)
	}
	if len(desc.Repositories) == 0 {
		return nil
	}

	_, err = client.TagResource(ctx, &ecr.TagResourceInput{
		ResourceArn: desc.Repositories[0].RepositoryArn,
		Tags: []ecrtypes.Tag{
			{Key: aws.String("orphaned"), Value: aws.String("true")},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to tag repository %s orphaned: %w", project, err)
	}
	return nil
}
