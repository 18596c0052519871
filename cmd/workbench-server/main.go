package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/workbench-sh/workbench/internal/database"
	"github.com/workbench-sh/workbench/internal/httpapi"
	"github.com/workbench-sh/workbench/internal/kube"
	"github.com/workbench-sh/workbench/internal/manager"
)

func main() {
	var (
		host       string
		port       int
		domain     string
		dsn        string
		adminUser  string
		systemNS   string
		zapOptions = zap.Options{Development: false}
	)
	flag.StringVar(&host, "host", "", "Address to bind")
	flag.IntVar(&port, "port", 8000, "Port to bind")
	flag.StringVar(&domain, "domain", "", "Base domain sessions are exposed under")
	flag.StringVar(&dsn, "database", "workbench.db", "Database DSN (sqlite path or postgres:// URL)")
	flag.StringVar(&adminUser, "admin-user", "", "Bootstrap admin user id")
	flag.StringVar(&systemNS, "system-namespace", "workbench-system", "Namespace holding shared resources")
	zapOptions.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOptions)))
	log := ctrl.Log.WithName("workbench-server")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cluster, err := kube.Connect(kube.Config{Host: domain, SystemNamespace: systemNS})
	if err != nil {
		log.Error(err, "failed to connect to the cluster")
		os.Exit(1)
	}

	db, err := database.Open(dsn)
	if err != nil {
		log.Error(err, "failed to open the database")
		os.Exit(1)
	}

	mgr := manager.NewManager(cluster, db, manager.Config{}, log.WithName("manager"))
	go mgr.RunSessionReaper(ctx)

	server := httpapi.NewServer(mgr, db, httpapi.Config{
		Host:      host,
		Port:      port,
		AdminUser: adminUser,
	}, log.WithName("http"))

	log.Info("serving", "host", host, "port", port, "domain", domain)
	if err := server.ListenAndServe(ctx); err != nil {
		log.Error(err, "server stopped")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
