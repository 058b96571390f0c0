package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketchat/internal/chat"
	"marketchat/internal/config"
	"marketchat/internal/db"
	myMiddleware "marketchat/internal/middleware"
	"marketchat/internal/order"
	"marketchat/internal/session"
	"marketchat/internal/transport"
	"marketchat/internal/user"
	"marketchat/internal/window"
)

// sessions lets the login flow start and stop chat sessions.
type sessions struct {
	*session.Manager
}

func (s sessions) Start(u chat.Participant) error {
	_, err := s.Manager.Start(u)
	return err
}

func main() {
	// 1. Config & Flags
	addr := flag.String("addr", "", "http service address (overrides SERVER_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	if *addr != "" {
		cfg.ServerAddr = *addr
	}

	var logger *zap.Logger
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	database, err := db.NewDatabase(cfg.DBDSN)
	if err != nil {
		logger.Fatal("connect to postgres", zap.Error(err))
	}
	defer database.Close()
	logger.Info("connected to postgres")

	if err := database.AutoMigrate(); err != nil {
		logger.Fatal("migrate schema", zap.Error(err))
	}

	// 3. Connect to Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("connect to redis", zap.Error(err))
	}
	defer rdb.Close()
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	// 4. Orders and conversations
	orderService := order.NewService(order.NewRepository(database.Conn), transport.NewPublisher(rdb), logger)

	// 5. Chat sessions, one per signed-in user
	manager := session.NewManager(ctx, func(ctx context.Context, u chat.Participant) (session.Transport, session.Backend, error) {
		tr := transport.NewRedis(rdb, logger.With(zap.String("user_id", u.ID)))
		tr.Start(ctx)
		return tr, orderService.ForUser(u.ID), nil
	}, session.Options{
		TypingWindow: cfg.TypingWindow,
		ComposerIdle: cfg.ComposerIdle,
		Layout: window.Layout{
			Origin:  window.Position{X: cfg.WindowOriginX, Y: cfg.WindowOriginY},
			Stagger: cfg.WindowStagger,
		},
		Logger: logger,
	})
	defer manager.Shutdown()

	// 6. Users
	userService := user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret, time.Duration(cfg.JWTExpiry)*time.Second)
	userHandler := user.NewHandler(userService, sessions{manager}, logger)
	orderHandler := order.NewHandler(orderService, manager, logger)
	chatHandler := session.NewHandler(manager, orderService, cfg.WSActionsPerSecond, logger)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 7. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Post("/logout", userHandler.Logout)
		r.Get("/api/shops/search", userHandler.SearchShops)

		r.With(myMiddleware.RequireRole(user.RoleCustomer)).Post("/api/orders", orderHandler.PlaceOrder)
		r.Get("/api/conversations", orderHandler.ListConversations)
		r.Get("/api/conversations/{conversationID}/messages", orderHandler.GetHistory)

		chatHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}
