package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/threadkeep/threadkeep/internal/cache"
	"github.com/threadkeep/threadkeep/internal/config"
	"github.com/threadkeep/threadkeep/internal/crypto"
	"github.com/threadkeep/threadkeep/internal/embed"
	"github.com/threadkeep/threadkeep/internal/repo"
	"github.com/threadkeep/threadkeep/internal/resumer"
	"github.com/threadkeep/threadkeep/internal/resumer/grpcresumer"
	"github.com/threadkeep/threadkeep/internal/resumer/wire"
	"github.com/threadkeep/threadkeep/internal/route"
	"github.com/threadkeep/threadkeep/internal/rpc"
	"github.com/threadkeep/threadkeep/internal/service"
	"github.com/threadkeep/threadkeep/internal/store"
	"github.com/threadkeep/threadkeep/internal/vector"
	"google.golang.org/grpc"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config          *config.Config
	Store           *store.Service
	Router          *gin.Engine
	GRPCServer      *grpc.Server
	Running         *RunningServers
	resumerStore    *resumer.Store
	remoteResumer   *grpcresumer.Client
	closeManagement func(context.Context) error
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closeManagement != nil {
		_ = s.closeManagement(ctx)
	}
	err := s.Running.Close(ctx)
	if s.resumerStore != nil {
		s.resumerStore.Close()
	}
	if s.remoteResumer != nil {
		s.remoteResumer.Close()
	}
	return err
}

// StartServer initializes all subsystems and starts HTTP+gRPC on a single
// port. Use cfg.Listener.Port=0 for a random port; the bound port is
// Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting threadkeep",
		"port", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
		"vector", cfg.VectorType,
		"embedding", cfg.EmbedType,
	)
	ctx = config.WithContext(ctx, cfg)

	// Cache first: the entries cache is optional and a failure only costs
	// performance.
	var entriesCache cache.MemoryEntriesCache
	if cacheLoader, err := cache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if entriesCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		entriesCache = nil
	}

	repoLoader, err := repo.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	backend, err := repoLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize datastore: %w", err)
	}

	codec, err := crypto.NewCodec(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	svc := store.New(backend, codec, entriesCache)

	// Embedder and vector store for semantic indexing.
	var embedder embed.Embedder
	if embedLoader, err := embed.Select(cfg.EmbedType); err != nil {
		log.Warn("Embedder not available", "err", err)
	} else if embedder, err = embedLoader(ctx); err != nil {
		log.Warn("Failed to initialize embedder", "err", err)
		embedder = nil
	}
	vectorStore := vector.Store(vector.Disabled{})
	if vectorLoader, err := vector.Select(cfg.VectorType); err != nil {
		log.Warn("Vector store not available", "err", err)
	} else if vectorStore, err = vectorLoader(ctx); err != nil {
		log.Warn("Failed to initialize vector store", "err", err)
		vectorStore = vector.Disabled{}
	}

	// Response resumer: either a local temp-file store (optionally sharing
	// recording locations through redis) or a remote instance.
	var localResumer *resumer.Store
	var remoteResumer *grpcresumer.Client
	var activeResumer resumer.ResponseResumer
	if cfg.ResumerRemoteAddress != "" {
		remoteResumer = grpcresumer.New(grpcresumer.Options{
			Address:      cfg.ResumerRemoteAddress,
			MaxRedirects: cfg.ResumerMaxRedirects,
		})
		activeResumer = remoteResumer
	} else {
		var locators resumer.LocatorStore
		if cfg.RedisURL != "" {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid redis url: %w", err)
			}
			locators = resumer.NewRedisLocatorStore(redis.NewClient(opts))
		}
		localResumer = resumer.NewStore(resumer.StoreOptions{
			Locators:          locators,
			AdvertisedAddress: cfg.ResumerAdvertisedAddress,
			TempDir:           cfg.ResolvedTempDir(),
			Retention:         cfg.ResumerTempFileRetention,
		})
		activeResumer = localResumer
	}
	activeResumer = resumer.Select(ctx, activeResumer)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.CORSEnabled {
		router.Use(corsMiddleware())
	}
	route.Mount(router, route.Deps{
		Store:   svc,
		Resumer: activeResumer,
		Config:  cfg,
	})

	grpcServer := grpc.NewServer(
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.ChainUnaryInterceptor(rpc.IdentityUnaryInterceptor()),
		grpc.ChainStreamInterceptor(rpc.IdentityStreamInterceptor()),
	)
	if localResumer != nil {
		srv := &rpc.ResumerServer{
			Resumer: localResumer,
			Access:  svc,
			Config:  cfg,
			Enabled: true,
		}
		srv.Register(grpcServer)
	}

	// Background loops.
	eviction := service.NewEvictionService(backend, cfg.EvictionRetention, cfg.EvictionBatchSize, cfg.EvictionBatchDelay)
	go eviction.Start(ctx)

	tasks := service.NewTaskProcessor(backend, vectorStore)
	go tasks.Start(ctx)

	textIndexer := service.NewTextIndexer(svc, 0)
	go textIndexer.Start(ctx)

	vectorIndexer := service.NewBackgroundIndexer(backend, embedder, vectorStore, 0)
	go vectorIndexer.Start(ctx)

	if localResumer != nil {
		go sweepResumer(ctx, localResumer)
	}

	var closeManagement func(context.Context) error
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		route.MountManagement(mgmtRouter, route.Deps{Store: svc, Config: cfg})
		mgmtCfg := cfg.ManagementListener
		if mgmtCfg.ReadHeaderTimeout == 0 {
			mgmtCfg.ReadHeaderTimeout = cfg.Listener.ReadHeaderTimeout
		}
		_, closeManagement, err = startManagementServer(mgmtCfg, mgmtRouter)
		if err != nil {
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
	}

	running, err := StartSinglePortHTTPAndGRPC(ctx, cfg.Listener, router, grpcServer)
	if err != nil {
		if closeManagement != nil {
			_ = closeManagement(context.Background())
		}
		return nil, err
	}
	log.Info("Server listening", "port", running.Port)

	return &Server{
		Config:          cfg,
		Store:           svc,
		Router:          router,
		GRPCServer:      grpcServer,
		Running:         running,
		resumerStore:    localResumer,
		remoteResumer:   remoteResumer,
		closeManagement: closeManagement,
	}, nil
}
