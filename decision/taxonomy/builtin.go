package taxonomy

import (
	"strings"

	"cost-insight/pkg/api"
)

// Unified categories
const (
	CategoryCompute       = "Compute"
	CategoryStorage       = "Storage"
	CategoryDatabase      = "Database"
	CategoryNetworking    = "Networking"
	CategoryAnalytics     = "Analytics"
	CategoryAI            = "AI/ML"
	CategoryContainers    = "Containers"
	CategoryServerless    = "Serverless"
	CategorySecurity      = "Security"
	CategoryMonitoring    = "Monitoring"
	CategoryMessaging     = "Messaging"
	CategoryUncategorized = "Uncategorized"
)

// builtinServices maps each provider's billed service names to a unified category.
var builtinServices = map[api.Provider]map[string]string{
	api.ProviderAWS: {
		"Amazon Elastic Compute Cloud":       CategoryCompute,
		"AmazonEC2":                          CategoryCompute,
		"Amazon EC2":                         CategoryCompute,
		"Amazon Lightsail":                   CategoryCompute,
		"Amazon Simple Storage Service":      CategoryStorage,
		"AmazonS3":                           CategoryStorage,
		"Amazon Elastic Block Store":         CategoryStorage,
		"Amazon Elastic File System":         CategoryStorage,
		"Amazon S3 Glacier":                  CategoryStorage,
		"Amazon Relational Database Service": CategoryDatabase,
		"AmazonRDS":                          CategoryDatabase,
		"Amazon DynamoDB":                    CategoryDatabase,
		"Amazon ElastiCache":                 CategoryDatabase,
		"Amazon Aurora":                      CategoryDatabase,
		"Amazon CloudFront":                  CategoryNetworking,
		"Amazon Virtual Private Cloud":       CategoryNetworking,
		"Elastic Load Balancing":             CategoryNetworking,
		"Amazon Route 53":                    CategoryNetworking,
		"AWS Data Transfer":                  CategoryNetworking,
		"Amazon Redshift":                    CategoryAnalytics,
		"Amazon Athena":                      CategoryAnalytics,
		"AWS Glue":                           CategoryAnalytics,
		"Amazon Kinesis":                     CategoryAnalytics,
		"Amazon SageMaker":                   CategoryAI,
		"Amazon Bedrock":                     CategoryAI,
		"Amazon Elastic Kubernetes Service":  CategoryContainers,
		"Amazon Elastic Container Service":   CategoryContainers,
		"Amazon EC2 Container Registry":      CategoryContainers,
		"AWS Lambda":                         CategoryServerless,
		"AWS Fargate":                        CategoryServerless,
		"AWS Key Management Service":         CategorySecurity,
		"AWS WAF":                            CategorySecurity,
		"Amazon GuardDuty":                   CategorySecurity,
		"Amazon CloudWatch":                  CategoryMonitoring,
		"AWS CloudTrail":                     CategoryMonitoring,
		"Amazon Simple Queue Service":        CategoryMessaging,
		"Amazon Simple Notification Service": CategoryMessaging,
		"Amazon MQ":                          CategoryMessaging,
	},
	api.ProviderGCP: {
		"Compute Engine":               CategoryCompute,
		"Cloud Storage":                CategoryStorage,
		"Filestore":                    CategoryStorage,
		"Persistent Disk":              CategoryStorage,
		"Cloud SQL":                    CategoryDatabase,
		"Cloud Spanner":                CategoryDatabase,
		"Firestore":                    CategoryDatabase,
		"Cloud Bigtable":               CategoryDatabase,
		"Memorystore for Redis":        CategoryDatabase,
		"Networking":                   CategoryNetworking,
		"Cloud CDN":                    CategoryNetworking,
		"Cloud Load Balancing":         CategoryNetworking,
		"Cloud DNS":                    CategoryNetworking,
		"BigQuery":                     CategoryAnalytics,
		"Dataflow":                     CategoryAnalytics,
		"Dataproc":                     CategoryAnalytics,
		"Vertex AI":                    CategoryAI,
		"Kubernetes Engine":            CategoryContainers,
		"Artifact Registry":            CategoryContainers,
		"Cloud Functions":              CategoryServerless,
		"Cloud Run":                    CategoryServerless,
		"App Engine":                   CategoryServerless,
		"Cloud Key Management Service": CategorySecurity,
		"Security Command Center":      CategorySecurity,
		"Cloud Logging":                CategoryMonitoring,
		"Cloud Monitoring":             CategoryMonitoring,
		"Cloud Pub/Sub":                CategoryMessaging,
	},
	api.ProviderAzure: {
		"Virtual Machines":              CategoryCompute,
		"Virtual Machine Scale Sets":    CategoryCompute,
		"Storage":                       CategoryStorage,
		"Azure Files":                   CategoryStorage,
		"Managed Disks":                 CategoryStorage,
		"SQL Database":                  CategoryDatabase,
		"Azure Cosmos DB":               CategoryDatabase,
		"Azure Database for PostgreSQL": CategoryDatabase,
		"Azure Cache for Redis":         CategoryDatabase,
		"Bandwidth":                     CategoryNetworking,
		"Virtual Network":               CategoryNetworking,
		"Load Balancer":                 CategoryNetworking,
		"Content Delivery Network":      CategoryNetworking,
		"Azure Synapse Analytics":       CategoryAnalytics,
		"Azure Databricks":              CategoryAnalytics,
		"Azure Machine Learning":        CategoryAI,
		"Cognitive Services":            CategoryAI,
		"Azure Kubernetes Service":      CategoryContainers,
		"Container Instances":           CategoryContainers,
		"Container Registry":            CategoryContainers,
		"Functions":                     CategoryServerless,
		"Key Vault":                     CategorySecurity,
		"Microsoft Defender for Cloud":  CategorySecurity,
		"Azure Monitor":                 CategoryMonitoring,
		"Log Analytics":                 CategoryMonitoring,
		"Service Bus":                   CategoryMessaging,
		"Event Hubs":                    CategoryMessaging,
	},
}

// categoryKeywords classifies catalog names that have no built-in entry.
// Order matters: the first keyword found wins.
var categoryKeywords = []struct {
	keyword  string
	category string
}{
	{"kubernetes", CategoryContainers},
	{"container", CategoryContainers},
	{"lambda", CategoryServerless},
	{"function", CategoryServerless},
	{"fargate", CategoryServerless},
	{"sagemaker", CategoryAI},
	{"machine learning", CategoryAI},
	{"bedrock", CategoryAI},
	{"database", CategoryDatabase},
	{"rds", CategoryDatabase},
	{"dynamodb", CategoryDatabase},
	{"sql", CategoryDatabase},
	{"cache", CategoryDatabase},
	{"storage", CategoryStorage},
	{"s3", CategoryStorage},
	{"backup", CategoryStorage},
	{"disk", CategoryStorage},
	{"network", CategoryNetworking},
	{"vpc", CategoryNetworking},
	{"cdn", CategoryNetworking},
	{"cloudfront", CategoryNetworking},
	{"transfer", CategoryNetworking},
	{"load balanc", CategoryNetworking},
	{"redshift", CategoryAnalytics},
	{"athena", CategoryAnalytics},
	{"analytics", CategoryAnalytics},
	{"kinesis", CategoryAnalytics},
	{"queue", CategoryMessaging},
	{"notification", CategoryMessaging},
	{"sns", CategoryMessaging},
	{"sqs", CategoryMessaging},
	{"kms", CategorySecurity},
	{"security", CategorySecurity},
	{"guard", CategorySecurity},
	{"waf", CategorySecurity},
	{"cloudwatch", CategoryMonitoring},
	{"monitor", CategoryMonitoring},
	{"logging", CategoryMonitoring},
	{"ec2", CategoryCompute},
	{"compute", CategoryCompute},
	{"lightsail", CategoryCompute},
}

// CategorizeByKeyword guesses a category for a service name with no table entry.
func CategorizeByKeyword(name string) (string, bool) {
	n := normalize(name)
	for _, kw := range categoryKeywords {
		if strings.Contains(n, kw.keyword) {
			return kw.category, true
		}
	}
	return "", false
}

// Categories returns every unified category except the fallback.
func Categories() []string {
	return []string{
		CategoryCompute, CategoryStorage, CategoryDatabase, CategoryNetworking,
		CategoryAnalytics, CategoryAI, CategoryContainers, CategoryServerless,
		CategorySecurity, CategoryMonitoring, CategoryMessaging,
	}
}
