package handler

import (
	"gigorder/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(orderService *service.OrderService, walletService *service.WalletService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(orderService, walletService)

	// API 路由组，全部接口要求已解析的用户身份
	api := r.Group("/api/v1")
	api.Use(AuthMiddleware())
	{
		order := api.Group("/order")
		{
			order.GET("/preview", h.PreviewOrder)
			order.POST("/preview/update", h.UpdatePreview)
			order.POST("/create", h.CreateOrder)
			order.GET("/status", h.GetOrderStatus)
			order.POST("/cancel", h.CancelOrder)
			order.GET("/detail", h.GetOrderDetail)
			order.GET("/list", h.ListOrders)
			order.POST("/accept", h.AcceptOrder)
			order.POST("/start", h.StartOrder)
			order.POST("/complete", h.CompleteOrder)
		}

		wallet := api.Group("/wallet")
		{
			wallet.GET("/balance", h.GetWalletBalance)
			wallet.POST("/recharge", h.Recharge)
			wallet.GET("/transactions", h.ListTransactions)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
