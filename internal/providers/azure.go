package providers

import (
	"context"
	"strings"

	"cost-insight/decision/taxonomy"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/platform"
	"cost-insight/pkg/validation"
)

// Meter categories as they appear in Cost Management exports.
var azureServices = []string{
	"Virtual Machines",
	"Storage",
	"Azure SQL Database",
	"Azure Cosmos DB",
	"Azure Kubernetes Service",
	"Container Instances",
	"Functions",
	"Azure App Service",
	"Azure OpenAI",
	"Azure Machine Learning",
	"Bandwidth",
	"Virtual Network",
	"Load Balancer",
	"Azure Monitor",
	"Log Analytics",
	"Key Vault",
	"Event Hubs",
	"Service Bus",
	"Azure Synapse Analytics",
	"Azure Cache for Redis",
}

// ServicePrincipal identifies an Azure AD application
type ServicePrincipal struct {
	TenantID     string `validate:"guid"`
	ClientID     string `validate:"guid"`
	ClientSecret string `validate:"required"`
}

// Azure is the adapter for Microsoft Azure
type Azure struct {
	base
	principal ServicePrincipal
}

// NewAzure reads the service principal from AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET
func NewAzure(mapper *taxonomy.Mapper) *Azure {
	return &Azure{
		base: base{provider: api.ProviderAzure, mapper: mapper},
		principal: ServicePrincipal{
			TenantID:     platform.GetEnv("AZURE_TENANT_ID", ""),
			ClientID:     platform.GetEnv("AZURE_CLIENT_ID", ""),
			ClientSecret: platform.GetEnv("AZURE_CLIENT_SECRET", ""),
		},
	}
}

// WithPrincipal overrides the service principal
func (a *Azure) WithPrincipal(p ServicePrincipal) *Azure {
	a.principal = p
	return a
}

// ValidateCredentials checks the principal is complete and its IDs are GUIDs
func (a *Azure) ValidateCredentials(_ context.Context) error {
	if problems := validation.Problems(a.principal); len(problems) > 0 {
		return ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed, "azure: "+strings.Join(problems, "; "), nil)
	}
	return nil
}

// ServiceNames returns the static meter category list
func (a *Azure) ServiceNames(context.Context) ([]string, error) {
	return append([]string(nil), azureServices...), nil
}

var (
	_ Adapter                = (*Azure)(nil)
	_ taxonomy.CatalogSource = (*Azure)(nil)
)
