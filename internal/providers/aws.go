package providers

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pricing"

	"cost-insight/decision/taxonomy"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

// The Price List API is only served from a few regions.
const pricingRegion = "us-east-1"

// AWS is the adapter for Amazon Web Services. It doubles as the taxonomy
// catalog source, listing service codes from the Price List API.
type AWS struct {
	base
	pricing pricing.DescribeServicesAPIClient
	creds   aws.CredentialsProvider
}

// NewAWS loads the default credential chain
func NewAWS(ctx context.Context, mapper *taxonomy.Mapper) (*AWS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(pricingRegion))
	if err != nil {
		return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, fmt.Sprintf("aws: %v", err))
	}
	return NewAWSWithClient(mapper, pricing.NewFromConfig(cfg), cfg.Credentials), nil
}

// NewAWSWithClient builds the adapter over an existing pricing client
func NewAWSWithClient(mapper *taxonomy.Mapper, client pricing.DescribeServicesAPIClient, creds aws.CredentialsProvider) *AWS {
	return &AWS{
		base:    base{provider: api.ProviderAWS, mapper: mapper},
		pricing: client,
		creds:   creds,
	}
}

// ValidateCredentials resolves the credential chain and makes one cheap pricing call
func (a *AWS) ValidateCredentials(ctx context.Context) error {
	if a.creds == nil {
		return ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed, "aws: no credential provider", nil)
	}
	creds, err := a.creds.Retrieve(ctx)
	if err != nil {
		return ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed, "aws: credentials unavailable", err)
	}
	if !creds.HasKeys() {
		return ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed, "aws: credentials have no keys", nil)
	}
	if _, err := a.pricing.DescribeServices(ctx, &pricing.DescribeServicesInput{MaxResults: aws.Int32(1)}); err != nil {
		return ierrors.NewTransientError(ierrors.ErrCodeUnavailable, "aws: pricing API call failed", err)
	}
	return nil
}

// ServiceNames lists every service code known to the Price List API
func (a *AWS) ServiceNames(ctx context.Context) ([]string, error) {
	p := pricing.NewDescribeServicesPaginator(a.pricing, &pricing.DescribeServicesInput{
		FormatVersion: aws.String("aws_v1"),
		MaxResults:    aws.Int32(100),
	})
	var names []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("aws: describe services: %w", err)
		}
		for _, s := range page.Services {
			if code := aws.ToString(s.ServiceCode); code != "" {
				names = append(names, code)
			}
		}
	}
	return names, nil
}

var (
	_ Adapter                = (*AWS)(nil)
	_ taxonomy.CatalogSource = (*AWS)(nil)
)
