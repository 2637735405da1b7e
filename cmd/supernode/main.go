package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gridmesh/gridmesh/pkg/config"
	"github.com/gridmesh/gridmesh/pkg/logging"
	"github.com/gridmesh/gridmesh/pkg/mgmt"
	"github.com/gridmesh/gridmesh/pkg/supernode"
)

func main() {
	configPath := flag.String("config", "", "path to config file (JSON)")
	bind := flag.String("bind", fmt.Sprintf(":%d", config.DefaultPort), "data socket bind address (UDP and aux TCP)")
	tcpEnabled := flag.Bool("tcp", true, "enable the auxiliary TCP data transport")
	mgmtBind := flag.String("mgmt-bind", config.DefaultMgmtBind, "management bind address")
	mgmtPort := flag.Int("mgmt-port", config.DefaultMgmtPort, "management port")
	mgmtPassword := flag.String("mgmt-password", "", "management password for mutating methods (empty = writes disabled)")
	federation := flag.String("federation", config.DefaultFederationName, "federation name")
	anchors := flag.String("anchors", "", "comma-separated host:port list of known supernodes")
	communities := flag.String("communities", "", "path to the allowed communities file (empty = open mode)")
	autoIP := flag.String("autoip", config.DefaultAutoIPPool, "subnet range for the auto ip address service")
	ttl := flag.Int("registration-ttl", config.DefaultRegistrationTTL, "edge registration lifetime in seconds")
	noSpoofing := flag.Bool("disable-spoofing-protection", false, "disable MAC address spoofing protection")
	headerEnc := flag.String("header-encryption", "none", "default header encryption mode (none, static, user-password)")
	macAddr := flag.String("mac", "", "fixed supernode MAC address, random if empty")
	versionStr := flag.String("version-string", "", "version string sent to edges (max 19 bytes)")
	identity := flag.String("identity", "", "path to the persisted supernode keypair")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "log format (text, json)")
	flag.Parse()

	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		config.ApplyToFlags(cfg)
	}

	logging.Setup(*logLevel, *logFormat)

	cfg := config.Default()
	cfg.BindAddress = *bind
	cfg.TCPEnabled = *tcpEnabled
	cfg.MgmtBind = *mgmtBind
	cfg.MgmtPort = *mgmtPort
	cfg.MgmtPassword = *mgmtPassword
	cfg.FederationName = *federation
	cfg.CommunityFile = *communities
	cfg.AutoIPPool = *autoIP
	cfg.RegistrationTTL = *ttl
	cfg.SpoofingProtection = !*noSpoofing
	cfg.HeaderEncryptionDefault = *headerEnc
	cfg.MACAddress = *macAddr
	cfg.VersionString = *versionStr
	cfg.IdentityFile = *identity
	if *anchors != "" {
		for _, a := range strings.Split(*anchors, ",") {
			if a = strings.TrimSpace(a); a != "" {
				cfg.Anchors = append(cfg.Anchors, a)
			}
		}
	}

	node, err := supernode.New(cfg)
	if err != nil {
		log.Fatalf("supernode setup: %v", err)
	}

	mgmtSrv := mgmt.New(node, cfg.MgmtPassword, cfg.MgmtSlots)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.MgmtBind, cfg.MgmtPort)
		if err := mgmtSrv.ListenAndServe(addr); err != nil {
			log.Fatalf("management server: %v", err)
		}
	}()

	// First signal asks the loops to wind down; a second one forces exit.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		node.Stop()
		<-sigCh
		os.Exit(1)
	}()

	if err := node.Run(); err != nil {
		log.Fatalf("supernode: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	mgmtSrv.Shutdown(ctx)
}
