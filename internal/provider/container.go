package provider

import (
	"github.com/malaika-next/internal/authz"
	"github.com/malaika-next/internal/cache"
	"github.com/malaika-next/internal/config"
	"github.com/malaika-next/internal/logger"
	"github.com/malaika-next/internal/models"
	"github.com/malaika-next/internal/payment/pesapal"
	"github.com/malaika-next/internal/queue"
	"github.com/malaika-next/internal/repository"
	"github.com/malaika-next/internal/service"
)

// Container 依赖注入容器
type Container struct {
	Config      *config.Config
	QueueClient *queue.Client
	Gateway     *pesapal.Client

	// Repositories
	AdminRepo        repository.AdminRepository
	UserRepo         repository.UserRepository
	PaymentRepo      repository.PaymentRepository
	UserLoginLogRepo repository.UserLoginLogRepository

	// Services
	AuthzService        *authz.Service
	AuthService         *service.AuthService
	UserAuthService     *service.UserAuthService
	EmailService        *service.EmailService
	PaymentService      *service.PaymentService
	UserLoginLogService *service.UserLoginLogService
}

// NewContainer 初始化容器
func NewContainer(cfg *config.Config) *Container {
	// 初始化缓存
	if err := cache.InitRedis(&cfg.Redis); err != nil {
		logger.Warnw("provider_init_redis_failed", "error", err)
	}

	// 初始化队列客户端
	var queueClient *queue.Client
	if cfg.Queue.Enabled {
		qc, err := queue.NewClient(&cfg.Queue)
		if err != nil {
			logger.Errorw("provider_init_queue_client_failed", "error", err)
		} else {
			queueClient = qc
		}
	}

	c := &Container{
		Config:      cfg,
		QueueClient: queueClient,
	}

	// 1. 初始化 Repositories
	c.initRepositories()

	// 2. 初始化 Services
	c.initServices()

	return c
}

func (c *Container) initRepositories() {
	db := models.DB
	c.AdminRepo = repository.NewAdminRepository(db)
	c.UserRepo = repository.NewUserRepository(db)
	c.PaymentRepo = repository.NewPaymentRepository(db)
	c.UserLoginLogRepo = repository.NewUserLoginLogRepository(db)
}

func (c *Container) initServices() {
	authzService, err := authz.NewService(models.DB)
	if err != nil {
		logger.Errorw("provider_init_authz_failed", "error", err)
		panic(err)
	}
	c.AuthzService = authzService
	if err := c.AuthzService.BootstrapBuiltinRoles(); err != nil {
		logger.Errorw("provider_bootstrap_builtin_roles_failed", "error", err)
		panic(err)
	}

	gateway, err := pesapal.NewClient(&pesapal.Config{
		ConsumerKey:    c.Config.Pesapal.ConsumerKey,
		ConsumerSecret: c.Config.Pesapal.ConsumerSecret,
		Environment:    c.Config.Pesapal.Environment,
		CallbackURL:    c.Config.Pesapal.CallbackURL,
		IPNID:          c.Config.Pesapal.IPNID,
		TimeoutMS:      c.Config.Pesapal.TimeoutMS,
		StatusRetries:  c.Config.Pesapal.StatusRetries,
		RetryDelayMS:   c.Config.Pesapal.RetryDelayMS,
	})
	if err != nil {
		logger.Errorw("provider_init_pesapal_failed", "error", err)
		panic(err)
	}
	c.Gateway = gateway

	c.EmailService = service.NewEmailService(&c.Config.Email)
	c.AuthService = service.NewAuthService(c.Config, c.AdminRepo)
	c.UserAuthService = service.NewUserAuthService(c.Config, c.UserRepo)
	c.PaymentService = service.NewPaymentService(c.PaymentRepo, c.UserRepo, c.Gateway, c.QueueClient, c.Config.Payment, c.Config.Pesapal)
	c.UserLoginLogService = service.NewUserLoginLogService(c.UserLoginLogRepo)
}
