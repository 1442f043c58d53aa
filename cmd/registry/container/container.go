package container

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/artregistry/provenance/cmd/registry/service"
	"github.com/artregistry/provenance/common/bootstrap"
	"github.com/artregistry/provenance/common/ledger"
	rediscommon "github.com/artregistry/provenance/common/redis"
	"github.com/artregistry/provenance/common/repository"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components
	Redis      *rediscommon.Client
	RedisRaw   *redis.Client

	// Repositories
	Manager *repository.Manager

	// External collaborators
	Ledger ledger.Client

	// Services
	IdentityService   *service.IdentityService
	ACLService        *service.ACLService
	OwnershipService  *service.OwnershipService
	RegistryService   *service.RegistryService
	TransitionService *service.TransitionService
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	redisRaw := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisRaw.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	redisClient := rediscommon.NewClient(redisRaw, components.Logger)

	// Repositories behind a transaction manager
	manager := repository.NewManager(components.DB)
	stores := serviceStores(manager.Stores())
	runner := &txRunner{manager: manager}

	ledgerClient := ledger.NewHTTPClient(cfg.Ledger.WalletURL, cfg.Ledger.Timeout, components.Logger)

	// Services (bottom-up: dependencies first)
	identityService := service.NewIdentityService(stores.Users, components.Cache, components.Logger)
	aclService := service.NewACLService(components.Logger)
	ownershipService := service.NewOwnershipService(components.Logger)
	migrationDetector := service.NewMigrationDetector(identityService, ledgerClient, ownershipService, components.Logger)
	builder := service.NewLedgerBuildService(ledgerClient, ownershipService, migrationDetector, components.Logger)
	publisher := service.NewStreamPublisher(redisClient, stores.LedgerTxs, cfg.Ledger.BroadcastStream, components.Logger)
	notifier := service.NewNotifier(components.Queue, cfg.Notifier.Topic, cfg.Notifier.Enabled, components.Logger)

	registryService := service.NewRegistryService(
		runner,
		stores,
		aclService,
		ownershipService,
		ledgerClient,
		publisher,
		components.Logger,
	)
	transitionService := service.NewTransitionService(
		runner,
		stores,
		aclService,
		ownershipService,
		builder,
		identityService,
		notifier,
		publisher,
		components.Logger,
	)

	return &Container{
		Components:        components,
		Redis:             redisClient,
		RedisRaw:          redisRaw,
		Manager:           manager,
		Ledger:            ledgerClient,
		IdentityService:   identityService,
		ACLService:        aclService,
		OwnershipService:  ownershipService,
		RegistryService:   registryService,
		TransitionService: transitionService,
	}, nil
}

// serviceStores adapts the repository bundle to the store interfaces
// the services are written against.
func serviceStores(s repository.Stores) service.Stores {
	return service.Stores{
		Users:     s.Users,
		Pieces:    s.Pieces,
		Editions:  s.Editions,
		Actions:   s.Actions,
		ACLs:      s.ACLs,
		LedgerTxs: s.LedgerTxs,
	}
}

// txRunner bridges the repository transaction manager to the service
// layer's TxRunner contract.
type txRunner struct {
	manager *repository.Manager
}

func (r *txRunner) RunInTx(ctx context.Context, fn func(s service.Stores) error) error {
	return r.manager.RunInTx(ctx, func(s repository.Stores) error {
		return fn(serviceStores(s))
	})
}
