// Command files-service runs the HTTP API, the background event
// consumers, and the release orchestrator over a single shared Mongo
// and Elasticsearch connection pair (spec.md §6).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/Shopify/sarama.v1"
	elastic "gopkg.in/olivere/elastic.v5"

	"github.com/icgc-argo/files-service/internal/api"
	"github.com/icgc-argo/files-service/internal/broker"
	"github.com/icgc-argo/files-service/internal/config"
	"github.com/icgc-argo/files-service/internal/external"
	"github.com/icgc-argo/files-service/internal/filemanager"
	"github.com/icgc-argo/files-service/internal/filestore"
	"github.com/icgc-argo/files-service/internal/healthcheck"
	"github.com/icgc-argo/files-service/internal/indexer"
	"github.com/icgc-argo/files-service/internal/indexgen"
	"github.com/icgc-argo/files-service/internal/ingestion"
	"github.com/icgc-argo/files-service/internal/releaseorchestrator"
	"github.com/icgc-argo/files-service/internal/releasestore"
)

func main() {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:   "files-service",
		Short: "Genomic file catalog, indexer, and public release service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.Bind(rootCmd, v)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	mongoClient, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connecting to mongo: %w", err)
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	db := mongoClient.Database(cfg.Mongo.Database)

	elasticClient, err := elastic.NewClient(elastic.SetURL(cfg.Elastic.URLs...), elastic.SetSniff(false))
	if err != nil {
		return fmt.Errorf("connecting to elasticsearch: %w", err)
	}

	files := filestore.NewMongoStore(db)
	releases := releasestore.NewMongoStore(db)
	if err := releases.EnsureActiveRelease(ctx); err != nil {
		return fmt.Errorf("seeding active release: %w", err)
	}

	resolver := indexgen.NewResolver(elasticClient, log, cfg.Elastic.IndexPrefix, indexgen.Settings{})
	bulkCluster := indexer.NewLiveCluster(elasticClient)
	if cfg.Upstream.RollcallURL != "" {
		rollcallClient := external.NewRollcallClient(cfg.Upstream.RollcallURL, cfg.Upstream.Timeout)
		bulkCluster = indexer.NewLiveClusterWithRollcall(elasticClient, rollcallClient)
	}
	newIndexer := func() *indexer.Indexer {
		return indexer.New(bulkCluster, resolver, cfg.Elastic.RestrictedAlias, log)
	}

	analysisClient := external.NewAnalysisCatalogClient(cfg.Upstream.AnalysisCatalogURL, cfg.Upstream.Timeout)
	gatewayClient := external.NewGatewayClient(cfg.Upstream.GatewayURL, cfg.Upstream.Timeout)
	clinicalClient := external.NewClinicalRegistryClient(cfg.Upstream.ClinicalRegistryURL, cfg.Upstream.Timeout)
	transformClient := external.NewAnalysisTransformClient(cfg.Upstream.AnalysisTransformURL, cfg.Upstream.Timeout)

	sources := &filemanager.ExternalSourceReader{
		Analysis: analysisClient,
		Gateway:  gatewayClient,
		Clinical: clinicalClient,
	}
	manager := filemanager.New(files, sources, newIndexer())

	saramaCfg := broker.NewConsumerConfig()
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, saramaCfg)
	if err != nil {
		return fmt.Errorf("starting kafka producer: %w", err)
	}
	defer func() { _ = producer.Close() }()
	events := broker.NewSaramaProducer(producer)

	health := healthcheck.NewServer(log)
	if err := health.AddCheck(healthcheck.NewStoreCheck("mongo", mongoPinger{mongoClient})); err != nil {
		return err
	}
	if err := health.AddCheck(healthcheck.NewStoreCheck("elastic", elasticPinger{elasticClient})); err != nil {
		return err
	}

	snapshotter := releaseorchestrator.NewSnapshotter(elasticClient)
	orch := releaseorchestrator.New(releases, files, newIndexer, transformClient, snapshotter, events, releaseorchestrator.Config{
		SnapshotRepository: cfg.Elastic.SnapshotRepo,
		EventsTopic:        cfg.Kafka.PublicReleaseTopic,
		StoreConcurrency:   cfg.Release.StoreConcurrency,
	}, log)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewServer(log, files, releases, orch, health, api.Config{DebugRoutesEnabled: cfg.Server.DebugRoutes}).Handler,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return runConsumers(gctx, cfg, db, manager, newIndexer, health, log)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runConsumers builds and runs the three L8 ingestion consumer groups
// until ctx is canceled.
func runConsumers(ctx context.Context, cfg *config.Config, db *mongo.Database, manager *filemanager.Manager, newIndexer func() *indexer.Indexer, health *healthcheck.Server, log *zap.Logger) error {
	saramaCfg := broker.NewConsumerConfig()

	dlqProducer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, saramaCfg)
	if err != nil {
		return fmt.Errorf("starting dlq producer: %w", err)
	}
	defer func() { _ = dlqProducer.Close() }()
	dlq := broker.NewSaramaProducer(dlqProducer)

	files := filestore.NewMongoStore(db)
	idx := newIndexer()
	retry := ingestion.DefaultRetryConfig()
	window := ingestion.DefaultWindowConfig()

	transformClient := external.NewAnalysisTransformClient(cfg.Upstream.AnalysisTransformURL, cfg.Upstream.Timeout)

	analysisOffset := healthcheck.NewConsumerOffsetCheck("analysis-update-consumer", 5*time.Minute)
	clinicalOffset := healthcheck.NewConsumerOffsetCheck("clinical-update-consumer", 5*time.Minute)
	recalcOffset := healthcheck.NewConsumerOffsetCheck("recalculate-consumer", 5*time.Minute)
	_ = health.AddCheck(analysisOffset)
	_ = health.AddCheck(clinicalOffset)
	_ = health.AddCheck(recalcOffset)

	analysisHandler := (&ingestion.AnalysisUpdateHandler{
		Transform:         transformClient,
		Store:             files,
		Indexer:           idx,
		Manager:           manager,
		StatusConcurrency: 10,
		Log:               log,
	}).AsConsumerGroupHandler(dlq, cfg.Kafka.DeadLetterTopic, retry, window, analysisOffset.MarkConsumed)

	clinicalHandler := (&ingestion.ClinicalUpdateHandler{
		Store:       files,
		Manager:     manager,
		Indexer:     idx,
		Concurrency: 10,
		Log:         log,
	}).AsConsumerGroupHandler(dlq, cfg.Kafka.DeadLetterTopic, retry, window, clinicalOffset.MarkConsumed)

	recalculateHandler := (&ingestion.RecalculateTriggerHandler{
		Store:       files,
		Manager:     manager,
		Indexer:     idx,
		Concurrency: 10,
		Log:         log,
	}).AsConsumerGroupHandler(retry, window, recalcOffset.MarkConsumed)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runConsumerGroup(gctx, cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, saramaCfg, []string{cfg.Kafka.AnalysisUpdateTopic}, analysisHandler, log)
	})
	g.Go(func() error {
		return runConsumerGroup(gctx, cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, saramaCfg, []string{cfg.Kafka.ClinicalUpdateTopic}, clinicalHandler, log)
	})
	g.Go(func() error {
		return runConsumerGroup(gctx, cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, saramaCfg, []string{cfg.Kafka.RecalculateTopic}, recalculateHandler, log)
	})
	return g.Wait()
}

func runConsumerGroup(ctx context.Context, brokers []string, groupID string, saramaCfg *sarama.Config, topics []string, handler sarama.ConsumerGroupHandler, log *zap.Logger) error {
	group, err := sarama.NewConsumerGroup(brokers, groupID, saramaCfg)
	if err != nil {
		return fmt.Errorf("starting consumer group for %v: %w", topics, err)
	}
	defer func() { _ = group.Close() }()

	return broker.RunConsumerGroup(ctx, group, topics, handler, log)
}

type mongoPinger struct{ client *mongo.Client }

func (p mongoPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, nil)
}

type elasticPinger struct{ client *elastic.Client }

func (p elasticPinger) Ping(ctx context.Context) error {
	_, _, err := p.client.Ping("").Do(ctx)
	return err
}
