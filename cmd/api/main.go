package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"golang.org/x/crypto/bcrypt"

	"github.com/ispbase/netcore/internal/accounting"
	"github.com/ispbase/netcore/internal/allocation"
	"github.com/ispbase/netcore/internal/config"
	"github.com/ispbase/netcore/internal/database"
	"github.com/ispbase/netcore/internal/gateway"
	"github.com/ispbase/netcore/internal/handlers"
	"github.com/ispbase/netcore/internal/middleware"
	"github.com/ispbase/netcore/internal/models"
	"github.com/ispbase/netcore/internal/provisioning"
	"github.com/ispbase/netcore/internal/services"
)

func main() {
	cfg := config.Load()

	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	seedAdminOperator()

	// Gateway adapters
	registry := gateway.NewRegistry()
	mikrotik := gateway.NewMikrotik(time.Duration(cfg.DeviceCommandTimeoutSeconds) * time.Second)
	registry.Register(models.DeviceKindMikrotik, mikrotik)
	registry.Register(models.DeviceKindOLT, mikrotik)
	registry.Register(models.DeviceKindONU, mikrotik)

	// Core engines
	engine := allocation.NewEngine(database.DB)
	provStore := provisioning.NewStore(database.DB)
	orchestrator := provisioning.NewOrchestrator(provStore, registry,
		cfg.ProvisionStepRetries,
		time.Duration(cfg.ProvisionRetryBackoffSecond)*time.Second)

	hints := accounting.NewRedisHintQueue(database.Redis)

	// Background services
	reservationSweeper := services.NewReservationSweeper(engine, cfg.ReservationSweepSeconds)
	reservationSweeper.Start()

	reconcileWorker := services.NewReconcileWorker(engine, hints,
		cfg.ReconcileGraceMinutes, cfg.ReconcileSweepMinutes)
	reconcileWorker.Start()

	staleCleanup := services.NewStaleSessionCleanupService(cfg.StaleSessionMinutes, hints)
	staleCleanup.Start()

	healthMonitor := services.NewDeviceHealthMonitor(registry, cfg.DeviceCommandTimeoutSeconds)
	healthMonitor.Start()

	backupOffload := services.NewBackupOffloadService(cfg, provStore)
	backupOffload.Start()

	handlers.Setup(cfg, engine, orchestrator, provStore, registry)

	app := fiber.New(fiber.Config{
		AppName:      "NetCore API v1.0",
		ServerHeader: "NetCore",
		BodyLimit:    10 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	app.Use(middleware.Recovery())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "netcore-api",
		})
	})

	api := app.Group("/api")
	api.Use(middleware.RateLimiter(100, 1*time.Minute))

	// Public routes
	api.Post("/auth/login", handlers.Login)

	// Protected routes
	protected := api.Group("", middleware.AuthRequired(cfg))
	protected.Get("/auth/me", handlers.Me)

	// Pool and subnet routes
	pools := protected.Group("/pools")
	pools.Get("/", handlers.GetPools)
	pools.Post("/", handlers.CreatePool)
	pools.Put("/:id", handlers.UpdatePool)
	pools.Delete("/:id", handlers.DeletePool)
	pools.Get("/:id/stats", handlers.GetPoolStats)
	pools.Post("/:id/subnets", handlers.CreateSubnet)

	subnets := protected.Group("/subnets")
	subnets.Put("/:id", handlers.UpdateSubnet)
	subnets.Delete("/:id", handlers.DeleteSubnet)
	subnets.Get("/:id/stats", handlers.GetSubnetStats)
	subnets.Get("/:id/allocations", handlers.GetAllocations)
	subnets.Post("/:id/allocations", handlers.AllocateIP)
	subnets.Post("/:id/reservations", handlers.ReserveIP)
	subnets.Get("/:id/history", handlers.GetAllocationHistory)

	// Allocation routes
	allocations := protected.Group("/allocations")
	allocations.Delete("/:id", handlers.ReleaseIP)
	protected.Get("/flagged", handlers.GetFlaggedAllocations)

	// Device routes
	devices := protected.Group("/devices")
	devices.Get("/", handlers.GetDevices)
	devices.Get("/:id", handlers.GetDevice)
	devices.Post("/", handlers.CreateDevice)
	devices.Put("/:id", handlers.UpdateDevice)
	devices.Delete("/:id", handlers.DeleteDevice)
	devices.Post("/:id/test", handlers.TestDeviceConnection)
	devices.Post("/:id/provision", handlers.ProvisionDevice)
	devices.Post("/:id/rollback", handlers.RollbackDevice)
	devices.Post("/:id/validate", handlers.ValidateDevice)
	devices.Post("/:id/backup", handlers.BackupDevice)
	devices.Get("/:id/backups", handlers.GetDeviceBackups)

	// Provisioning template and log routes
	templates := protected.Group("/templates")
	templates.Get("/", handlers.GetTemplates)
	templates.Post("/", handlers.CreateTemplate)
	templates.Put("/:id", handlers.UpdateTemplate)
	templates.Delete("/:id", handlers.DeleteTemplate)

	provLogs := protected.Group("/provisioning")
	provLogs.Get("/logs", handlers.GetProvisioningLogs)
	provLogs.Get("/logs/:id", handlers.GetProvisioningLog)

	// Session routes
	sessions := protected.Group("/sessions")
	sessions.Get("/", handlers.GetActiveSessions)
	sessions.Get("/:username/history", handlers.GetSessionHistory)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		reservationSweeper.Stop()
		reconcileWorker.Stop()
		staleCleanup.Stop()
		healthMonitor.Stop()
		backupOffload.Stop()
		app.Shutdown()
	}()

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting NetCore API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func seedAdminOperator() {
	var count int64
	database.DB.Model(&models.Operator{}).Count(&count)
	if count > 0 {
		return
	}

	log.Println("Creating default admin operator...")

	hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	admin := models.Operator{
		TenantID: 1,
		Username: "admin",
		Password: string(hashedPassword),
		Name:     "System Administrator",
		IsActive: true,
	}
	if err := database.DB.Create(&admin).Error; err != nil {
		log.Printf("Failed to create admin operator: %v", err)
		return
	}
	log.Println("Admin operator created (username: admin, password: admin123)")
}
