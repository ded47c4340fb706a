// Command mdserver hosts one replicated metadata server (spec §4.2
// variant 2) over a local MetadataBackend - embedded KV or coordination
// service. It contains no logic of its own: flags select and construct
// the pieces, then metabackend/replicated.Server does the work.
/*
 * Copyright (c) 2024, OpenvStorage. All rights reserved.
 */
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/hkdf"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	glog "github.com/openvstorage/govoldrv/3rdparty/glog"
	"github.com/openvstorage/govoldrv/cmn"
	"github.com/openvstorage/govoldrv/metabackend"
	"github.com/openvstorage/govoldrv/metabackend/coordination"
	"github.com/openvstorage/govoldrv/metabackend/embedded"
	"github.com/openvstorage/govoldrv/metabackend/replicated"
)

var (
	flagConfig      = flag.String("config", "", "path to a JSON config document (see cmn.Config); overrides the built-in default")
	flagVolume      = flag.String("volume", "", "volume name this server instance hosts")
	flagListen      = flag.String("listen", ":7654", "address to serve the replicated RPC surface on")
	flagRole        = flag.String("role", "slave", "initial role: master or slave")
	flagJWTKeyPath  = flag.String("jwt-key", "", "path to the HMAC signing key used to verify bearer tokens")
	flagKubeconfig  = flag.String("kubeconfig", "", "path to a kubeconfig; empty uses in-cluster config (coordination backend only)")
	flagTLSCertPath = flag.String("tls-cert", "", "optional TLS certificate path")
	flagTLSKeyPath  = flag.String("tls-key", "", "optional TLS key path")
)

// noTLogSource is the TLogSource a standalone mdserver process wires in
// when it isn't also fronting the snapshot layer; CatchUp degenerates to
// a no-op instead of failing the process.
type noTLogSource struct{}

func (noTLogSource) PendingTLogs(context.Context) ([]replicated.TLogHandle, error) { return nil, nil }

func main() {
	flag.Parse()
	defer glog.Flush()

	if *flagVolume == "" {
		glog.Fatalf("mdserver: -volume is required")
	}

	cfg := cmn.DefaultConfig()
	if *flagConfig != "" {
		loaded, err := cmn.LoadConfig(*flagConfig)
		if err != nil {
			glog.Fatalf("mdserver: load config %s: %v", *flagConfig, err)
		}
		cfg = loaded
	}

	backend, err := openLocalBackend(cfg.Backend)
	if err != nil {
		glog.Fatalf("mdserver: open backend for %s: %v", *flagVolume, err)
	}
	defer backend.Close()

	signingKey, err := readSigningKey(*flagJWTKeyPath)
	if err != nil {
		glog.Fatalf("mdserver: %v", err)
	}

	srv := replicated.NewServer(backend, noTLogSource{}, signingKey, cfg.Backend.Replicated.ApplyRelocationsToSlave)
	if *flagRole == "master" {
		srv.Promote()
	}
	glog.Infof("mdserver: serving volume %s on %s as %s", *flagVolume, *flagListen, srv.Role())

	if *flagTLSCertPath != "" {
		if err := fasthttp.ListenAndServeTLS(*flagListen, *flagTLSCertPath, *flagTLSKeyPath, srv.Handler); err != nil {
			glog.Fatalf("mdserver: serve: %v", err)
		}
		return
	}
	if err := fasthttp.ListenAndServe(*flagListen, srv.Handler); err != nil {
		glog.Fatalf("mdserver: serve: %v", err)
	}
}

func openLocalBackend(cfg cmn.BackendConfig) (metabackend.Backend, error) {
	switch cfg.Kind {
	case cmn.BackendEmbedded, "":
		return embedded.Open(cfg)
	case cmn.BackendCoordinator:
		client, err := buildKubeClient(*flagKubeconfig)
		if err != nil {
			return nil, fmt.Errorf("build kube client: %w", err)
		}
		return coordination.Open(context.Background(), client, cfg, *flagVolume)
	default:
		return nil, fmt.Errorf("mdserver only hosts embedded or coordination backends locally, got %q", cfg.Kind)
	}
}

// buildKubeClient mirrors the usual ctrl.GetConfig helper: an explicit
// -kubeconfig wins, otherwise fall back to in-cluster config (an empty
// master URL and kubeconfig path make client-go look there itself).
func buildKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		config *rest.Config
		err    error
	)
	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		config, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(config)
}

// readSigningKey derives a fixed-size HMAC key from whatever-length secret
// material an operator hands it via -jwt-key, so that file can hold a short
// passphrase as easily as a pre-sized key - HKDF-SHA256 stretches it to 32
// bytes with the info string binding it to this specific use.
func readSigningKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte("mdserver-jwt-signing-key")), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	return key, nil
}
