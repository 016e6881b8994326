package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wgpanel/config"
	"wgpanel/internal/api"
	"wgpanel/internal/db"
	"wgpanel/internal/health"
	"wgpanel/internal/lifecycle"
	"wgpanel/internal/logs"
	"wgpanel/internal/middleware"
	"wgpanel/internal/models"
	"wgpanel/internal/provision"
	"wgpanel/internal/repo"
	"wgpanel/internal/vpn/wireguard"

	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	db         *gorm.DB
	Router     *mux.Router
	httpServer *http.Server

	reconciler *lifecycle.Reconciler
	gateway    interface{ Close() error } // wgctrl-клиент, если apply включён

	ctx    context.Context
	cancel context.CancelFunc
}

func (a *App) Initialize(cfg *config.Config) {
	a.cfg = cfg

	/* 1) Логи */
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	/* 2) DB (опционально; без driver работаем in-memory) */
	if drv := a.cfg.Database.Driver; drv != "" {
		d, err := db.Open(drv, a.cfg.Database.DSN)
		if err != nil {
			log.Fatalf("db open failed: %v", err)
		}
		a.db = d

		if err := a.db.AutoMigrate(
			&models.Interface{},
			&models.IPAddress{},
			&models.Peer{}); err != nil {
			log.Fatalf("db migrate failed: %v", err)
		}
	}

	/* 3) Хранилище: gorm поверх БД или in-memory */
	var (
		pstore provision.Store
		lstore lifecycle.Store
		astore api.Store
	)
	if a.db != nil {
		st := repo.NewStore(a.db)
		pstore, lstore, astore = st, st, st
	} else {
		logs.Logger.Warn("no database configured, using in-memory store")
		st := repo.NewMemStore()
		pstore, lstore, astore = st, st, st
	}

	/* 4) Шлюз: ядерный WireGuard или заглушка */
	var gw provision.GatewayApplier
	if a.cfg.WireGuard.Apply {
		g, err := wireguard.NewGateway()
		if err != nil {
			log.Fatalf("wireguard gateway init failed: %v", err)
		}
		a.gateway = g
		gw = g
	} else {
		logs.Logger.Warn("wireguard.apply=false, peers are not installed on the kernel device")
		gw = wireguard.NopGateway{}
	}

	engine := provision.NewEngine(pstore, wireguard.Generator{}, gw)
	a.reconciler = lifecycle.New(lstore)

	/* 5) Router + middleware */
	a.Router = mux.NewRouter().StrictSlash(true)
	a.Router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.LoggerMW,
	)

	if a.db != nil {
		health.RegisterRoutesWithDB(a.Router, a.db) // /healthz, /readyz
	} else {
		health.RegisterRoutes(a.Router) // только /healthz
	}

	h := api.New(engine, astore, api.PeerDefaults{
		Mtu:                a.cfg.WireGuard.DefaultMTU,
		Keepalive:          a.cfg.WireGuard.DefaultKeepalive,
		EndpointAllowedIPs: a.cfg.WireGuard.DefaultEndpointAllowedIPs,
	})
	api.RegisterRoutes(a.Router, h)

	/* (необязательно) вывести известные маршруты в лог при старте */
	_ = a.Router.Walk(func(rt *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		if len(methods) == 0 {
			methods = []string{"ANY"}
		}
		log.Printf("route: %-6v %s", methods, path)
		return nil
	})
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		logs.Logger.Infof("shutdown signal: %s", s)
		a.cancel()
	}()

	/* Периодический реконсайл жизненного цикла пиров */
	go func() {
		t := time.NewTicker(a.cfg.Reconciler.Interval)
		defer t.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-t.C:
				if err := a.reconciler.Run(a.ctx); err != nil {
					logs.Logger.Errorf("lifecycle run: %v", err)
				}
			}
		}
	}()

	// Жёсткие таймауты — это важно для production
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Logger.Fatalf("http server error: %v", err)
		}
	}()

	<-a.ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logs.Logger.Errorf("http shutdown: %v", err)
	}
	if a.gateway != nil {
		_ = a.gateway.Close()
	}
	return nil
}
