package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gigorder/internal/config"
	"gigorder/internal/gateway"
	"gigorder/internal/handler"
	"gigorder/internal/infrastructure/cache"
	"gigorder/internal/infrastructure/database"
	"gigorder/internal/infrastructure/mq"
	"gigorder/internal/job"
	"gigorder/internal/service"
	"gigorder/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化基础设施
	db := database.InitMySQL(&cfg.MySQL)
	redisClient := cache.InitRedis(&cfg.Redis)
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 组装服务：钱包在逻辑上是独立服务，订单一侧只通过支付网关访问
	walletService := service.NewWalletService(db)
	catalogService := service.NewCatalogService(db, redisClient)
	paymentGate := gateway.NewWalletGateway(
		walletService,
		cfg.Business.GatewayMaxRetries,
		time.Duration(cfg.Business.GatewayBackoffMillis)*time.Millisecond,
	)
	orderService := service.NewOrderService(db, cfg, catalogService, walletService, paymentGate)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	autoCancelJob := job.NewAutoCancelJob(db, redisClient, cfg, orderService)
	go autoCancelJob.Start(ctx)

	reconcileJob := job.NewReconcileJob(db, redisClient, cfg, walletService, paymentGate)
	go reconcileJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(orderService, walletService)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
