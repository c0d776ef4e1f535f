package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"

	"github.com/walletpay/backend/internal/database"
	"github.com/walletpay/backend/internal/fraud"
	"github.com/walletpay/backend/internal/handlers"
	mW "github.com/walletpay/backend/internal/middleware"
	"github.com/walletpay/backend/internal/notify"
	"github.com/walletpay/backend/internal/services"
	"github.com/walletpay/backend/internal/store"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("nats.url", "NATS_URL")
	viper.BindEnv("fraud.rule_timeout", "FRAUD_RULE_TIMEOUT")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	viper.SetDefault("fraud.rule_timeout", fraud.DefaultRuleTimeout)

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	natsConn := database.InitNATS()
	if natsConn != nil {
		defer natsConn.Close()
	}

	accountStore := store.NewPostgresStore(db)
	fraudEngine := fraud.NewEngine(accountStore, viper.GetDuration("fraud.rule_timeout"))
	dispatcher := notify.NewEventDispatcher(natsConn, redisClient)
	transactionService := services.NewTransactionService(accountStore, fraudEngine, dispatcher)
	walletHandler := handlers.NewWalletHandler(transactionService)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users", walletHandler.RegisterUser)
		r.Get("/users/{userID}/wallet", walletHandler.GetWallet)
		r.Get("/users/{userID}/transactions", walletHandler.ListTransactions)

		r.Post("/transactions/deposit", walletHandler.Deposit)
		r.Post("/transactions/withdraw", walletHandler.Withdraw)
		r.Post("/transactions/transfer", walletHandler.Transfer)

		r.Get("/transactions/flagged", walletHandler.ListFlagged)
		r.Get("/transactions/{txId}", walletHandler.GetTransaction)
		r.Post("/transactions/{txId}/review", walletHandler.ReviewTransaction)
		r.Post("/transactions/{txId}/cancel", walletHandler.CancelTransaction)
		r.Delete("/transactions/{txId}", walletHandler.DeleteTransaction)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
