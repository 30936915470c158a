package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cost-insight/decision/taxonomy"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

// Billing export service descriptions not covered by the built-in table.
var gcpServices = []string{
	"Compute Engine",
	"Cloud Storage",
	"BigQuery",
	"BigQuery Reservation API",
	"Cloud SQL",
	"Cloud Spanner",
	"Kubernetes Engine",
	"Cloud Run",
	"Cloud Functions",
	"Vertex AI",
	"Cloud Pub/Sub",
	"Cloud Logging",
	"Cloud Monitoring",
	"Networking",
	"Cloud DNS",
	"Cloud Memorystore for Redis",
	"Dataflow",
	"Dataproc",
	"Secret Manager",
	"Artifact Registry",
}

// GCP is the adapter for Google Cloud
type GCP struct {
	base
	credentialsFile string
}

// NewGCP reads the service account key path from GOOGLE_APPLICATION_CREDENTIALS
func NewGCP(mapper *taxonomy.Mapper) *GCP {
	return &GCP{
		base:            base{provider: api.ProviderGCP, mapper: mapper},
		credentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
	}
}

// WithCredentialsFile overrides the key file path
func (g *GCP) WithCredentialsFile(path string) *GCP {
	g.credentialsFile = path
	return g
}

// ValidateCredentials checks the key file is a readable service account key
func (g *GCP) ValidateCredentials(_ context.Context) error {
	if g.credentialsFile == "" {
		return ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed, "gcp: GOOGLE_APPLICATION_CREDENTIALS not set", nil)
	}
	data, err := os.ReadFile(g.credentialsFile)
	if err != nil {
		return ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed, "gcp: cannot read credentials file", err)
	}
	var key struct {
		Type        string `json:"type"`
		ProjectID   string `json:"project_id"`
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(data, &key); err != nil {
		return ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed, "gcp: credentials file is not JSON", err)
	}
	if key.Type != "service_account" || key.ClientEmail == "" {
		return ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed,
			fmt.Sprintf("gcp: credentials type %q is not a service account key", key.Type), nil)
	}
	return nil
}

// ServiceNames returns the static service list
func (g *GCP) ServiceNames(context.Context) ([]string, error) {
	return append([]string(nil), gcpServices...), nil
}

var (
	_ Adapter                = (*GCP)(nil)
	_ taxonomy.CatalogSource = (*GCP)(nil)
)
