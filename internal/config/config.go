// Package config binds the files-service's on-disk/environment
// configuration into a single Config tree, the way storj-storj's
// cmd/* binaries bind theirs: one viper instance, one env prefix,
// defaults() seeding the flag defaults, environment variables and
// explicitly set cobra flags overriding them.
package config

import (
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the error class for the config package.
var Error = errs.Class("config")

// envPrefix namespaces every environment variable this service reads,
// e.g. FILES_SERVICE_MONGO_URI.
const envPrefix = "FILES_SERVICE"

// Config is the root configuration tree for cmd/files-service.
type Config struct {
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Elastic  ElasticConfig  `mapstructure:"elastic"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Release  ReleaseConfig  `mapstructure:"release"`
	Server   ServerConfig   `mapstructure:"server"`
}

// MongoConfig configures the L1 file store (internal/filestore).
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// ElasticConfig configures the L5/L6 index generation and indexing
// layers (internal/indexgen, internal/indexer).
type ElasticConfig struct {
	URLs            []string `mapstructure:"urls"`
	IndexPrefix     string   `mapstructure:"index_prefix"`
	RestrictedAlias string   `mapstructure:"restricted_alias"`
	PublicAlias     string   `mapstructure:"public_alias"`
	SnapshotRepo    string   `mapstructure:"snapshot_repo"`
}

// KafkaConfig configures the shared broker package used by both the
// L8 ingestion consumers and the L9 outbound release event.
type KafkaConfig struct {
	Brokers             []string `mapstructure:"brokers"`
	ConsumerGroup       string   `mapstructure:"consumer_group"`
	AnalysisUpdateTopic string   `mapstructure:"analysis_update_topic"`
	ClinicalUpdateTopic string   `mapstructure:"clinical_update_topic"`
	RecalculateTopic    string   `mapstructure:"recalculate_topic"`
	DeadLetterTopic     string   `mapstructure:"dead_letter_topic"`
	PublicReleaseTopic  string   `mapstructure:"public_release_topic"`
}

// UpstreamConfig configures §6's upstream collaborators
// (internal/external).
type UpstreamConfig struct {
	AnalysisTransformURL  string        `mapstructure:"analysis_transform_url"`
	AnalysisCatalogURL    string        `mapstructure:"analysis_catalog_url"`
	DataCenterRegistryURL string        `mapstructure:"data_center_registry_url"`
	GatewayURL            string        `mapstructure:"gateway_url"`
	ClinicalRegistryURL   string        `mapstructure:"clinical_registry_url"`
	RollcallURL           string        `mapstructure:"rollcall_url"`
	Timeout               time.Duration `mapstructure:"timeout"`
}

// ReleaseConfig tunes the L9 release orchestrator.
type ReleaseConfig struct {
	StoreConcurrency int `mapstructure:"store_concurrency"`
}

// ServerConfig configures the HTTP API surface (internal/api).
type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	DebugRoutes bool   `mapstructure:"debug_routes"`
}

// defaults mirrors what a fresh Config looks like before any flag or
// environment variable overrides it.
func defaults() Config {
	return Config{
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "files-service",
		},
		Elastic: ElasticConfig{
			URLs:            []string{"http://localhost:9200"},
			IndexPrefix:     "argo_file_centric",
			RestrictedAlias: "argo_file_centric_restricted",
			PublicAlias:     "argo_file_centric_public",
			SnapshotRepo:    "argo_file_centric_snapshots",
		},
		Kafka: KafkaConfig{
			Brokers:             []string{"localhost:9092"},
			ConsumerGroup:       "files-service",
			AnalysisUpdateTopic: "song_analysis",
			ClinicalUpdateTopic: "clinical_update",
			RecalculateTopic:    "files_recalculate_trigger",
			DeadLetterTopic:     "files_service_dlq",
			PublicReleaseTopic:  "publicRelease",
		},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
		},
		Release: ReleaseConfig{
			StoreConcurrency: 10,
		},
		Server: ServerConfig{
			Addr:        ":9090",
			DebugRoutes: false,
		},
	}
}

// Bind registers every Config field as a persistent flag on cmd, seeded
// with the value from defaults(), and wires viper to also read matching
// environment variables (FILES_SERVICE_MONGO_URI, etc.). No config file
// is read. Call Load after cmd.Execute to read the bound values back
// out.
func Bind(cmd *cobra.Command, v *viper.Viper) {
	d := defaults()

	cmd.PersistentFlags().String("mongo.uri", d.Mongo.URI, "MongoDB connection URI")
	cmd.PersistentFlags().String("mongo.database", d.Mongo.Database, "MongoDB database name")

	cmd.PersistentFlags().StringSlice("elastic.urls", d.Elastic.URLs, "Elasticsearch node URLs")
	cmd.PersistentFlags().String("elastic.index-prefix", d.Elastic.IndexPrefix, "index name prefix")
	cmd.PersistentFlags().String("elastic.restricted-alias", d.Elastic.RestrictedAlias, "restricted index alias")
	cmd.PersistentFlags().String("elastic.public-alias", d.Elastic.PublicAlias, "public index alias")
	cmd.PersistentFlags().String("elastic.snapshot-repo", d.Elastic.SnapshotRepo, "snapshot repository name")

	cmd.PersistentFlags().StringSlice("kafka.brokers", d.Kafka.Brokers, "Kafka broker addresses")
	cmd.PersistentFlags().String("kafka.consumer-group", d.Kafka.ConsumerGroup, "Kafka consumer group id")
	cmd.PersistentFlags().String("kafka.analysis-update-topic", d.Kafka.AnalysisUpdateTopic, "analysis update topic")
	cmd.PersistentFlags().String("kafka.clinical-update-topic", d.Kafka.ClinicalUpdateTopic, "clinical update topic")
	cmd.PersistentFlags().String("kafka.recalculate-topic", d.Kafka.RecalculateTopic, "recalculate trigger topic")
	cmd.PersistentFlags().String("kafka.dead-letter-topic", d.Kafka.DeadLetterTopic, "dead letter topic")
	cmd.PersistentFlags().String("kafka.public-release-topic", d.Kafka.PublicReleaseTopic, "public release event topic")

	cmd.PersistentFlags().String("upstream.analysis-transform-url", d.Upstream.AnalysisTransformURL, "analysis transform service base URL")
	cmd.PersistentFlags().String("upstream.analysis-catalog-url", d.Upstream.AnalysisCatalogURL, "analysis catalog service base URL")
	cmd.PersistentFlags().String("upstream.data-center-registry-url", d.Upstream.DataCenterRegistryURL, "data center registry base URL")
	cmd.PersistentFlags().String("upstream.gateway-url", d.Upstream.GatewayURL, "gateway GraphQL base URL")
	cmd.PersistentFlags().String("upstream.clinical-registry-url", d.Upstream.ClinicalRegistryURL, "clinical registry base URL")
	cmd.PersistentFlags().String("upstream.rollcall-url", d.Upstream.RollcallURL, "rollcall index alias resolver base URL")
	cmd.PersistentFlags().Duration("upstream.timeout", d.Upstream.Timeout, "upstream HTTP client timeout")

	cmd.PersistentFlags().Int("release.store-concurrency", d.Release.StoreConcurrency, "max concurrent per-file store writes during release")

	cmd.PersistentFlags().String("server.addr", d.Server.Addr, "HTTP server listen address")
	cmd.PersistentFlags().Bool("server.debug-routes", d.Server.DebugRoutes, "mount the debug delete routes")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(cmd.PersistentFlags())
}

// Load unmarshals v's current state (explicitly set flags, then
// environment variables, then the defaults() values the flags were
// seeded with) into a Config. Flag keys are hyphenated
// ("elastic.index-prefix") while the mapstructure tags use underscores,
// so a hyphen in a key matches an underscore in a tag.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	matchHyphenated := func(dc *mapstructure.DecoderConfig) {
		dc.MatchName = func(mapKey, fieldName string) bool {
			return strings.EqualFold(strings.ReplaceAll(mapKey, "-", "_"), fieldName)
		}
	}
	if err := v.Unmarshal(&cfg, matchHyphenated); err != nil {
		return nil, Error.Wrap(err)
	}
	return &cfg, nil
}
