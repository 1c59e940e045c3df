package main

import (
	"context"
	"flag"
	"time"

	"github.com/malaika-next/internal/config"
	"github.com/malaika-next/internal/logger"
	"github.com/malaika-next/internal/models"
	"github.com/malaika-next/internal/provider"
)

// 向 Pesapal 注册 IPN 回执地址，输出 ipn_id 供配置文件使用。
func main() {
	var ipnURL string
	var notificationType string
	flag.StringVar(&ipnURL, "url", "", "IPN 回执地址，缺省读取配置 pesapal.ipn_url")
	flag.StringVar(&notificationType, "type", "GET", "回执方式: GET 或 POST")
	flag.Parse()

	cfg := config.Load()
	logger.Init(cfg.Server.Mode, cfg.Log.ToLoggerOptions())
	stdLog := logger.StdLogger()

	if ipnURL == "" {
		ipnURL = cfg.Pesapal.IPNURL
	}
	if ipnURL == "" {
		stdLog.Fatalf("缺少 -url 参数且配置 pesapal.ipn_url 为空")
	}

	if err := models.InitDB(cfg.Database.Driver, cfg.Database.DSN, models.DBPoolConfig{
		MaxOpenConns:           cfg.Database.Pool.MaxOpenConns,
		MaxIdleConns:           cfg.Database.Pool.MaxIdleConns,
		ConnMaxLifetimeSeconds: cfg.Database.Pool.ConnMaxLifetimeSeconds,
		ConnMaxIdleTimeSeconds: cfg.Database.Pool.ConnMaxIdleTimeSeconds,
	}); err != nil {
		stdLog.Fatalf("数据库初始化失败: %v", err)
	}

	container := provider.NewContainer(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	registration, err := container.PaymentService.RegisterIPN(ctx, ipnURL, notificationType)
	if err != nil {
		stdLog.Fatalf("IPN 注册失败: %v", err)
	}

	stdLog.Printf("IPN 注册成功")
	stdLog.Printf("ipn_id: %s", registration.IPNID)
	stdLog.Printf("url: %s", registration.URL)
	stdLog.Printf("notification_type: %s", registration.NotificationType)
	stdLog.Printf("请将 ipn_id 写入配置 pesapal.ipn_id 后重启服务")
}
