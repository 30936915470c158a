package clickhouse

// Schema holds the DDL applied by Migrate, in order.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS cost_records (
		client_id        String,
		provider         LowCardinality(String),
		account_id       String,
		service          String,
		date             Date,
		service_category LowCardinality(String),
		region           LowCardinality(String),
		amount           Decimal(18, 6),
		currency         LowCardinality(String),
		_version         UInt64,
		_deleted         UInt8 DEFAULT 0
	) ENGINE = ReplacingMergeTree(_version)
	PARTITION BY toYYYYMM(date)
	ORDER BY (client_id, provider, account_id, service, date)`,

	`CREATE TABLE IF NOT EXISTS insight_bundles (
		client_id     String,
		window_key    String,
		run_id        UUID,
		quality_score Float64,
		generated_at  DateTime64(3, 'UTC'),
		payload       String CODEC(ZSTD(3)),
		_version      UInt64,
		_deleted      UInt8 DEFAULT 0
	) ENGINE = ReplacingMergeTree(_version)
	ORDER BY (client_id, window_key)`,
}
