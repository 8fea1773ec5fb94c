package cmd

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/dogtagpki/pki-sub041/audit"
	"github.com/dogtagpki/pki-sub041/auth"
	"github.com/dogtagpki/pki-sub041/connector"
	"github.com/dogtagpki/pki-sub041/internal/seal"
	"github.com/dogtagpki/pki-sub041/internal/softca"
	"github.com/dogtagpki/pki-sub041/profile"
	"github.com/dogtagpki/pki-sub041/request"
	bboltstorage "github.com/dogtagpki/pki-sub041/storage/bbolt"
)

var (
	port        int
	dataDir     string
	tlsCert     string
	tlsKey      string
	clientCA    string
	sealKeyFile string
	resource    string
	agentGroups []string
	caSubject   string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the remote authority connector server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		auditLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
		auditEmitter := audit.NewEmitter(auditLogger)

		box, err := loadSealBox(sealKeyFile)
		if err != nil {
			return err
		}

		store, err := bboltstorage.NewStoreFromFile(dataDir+"/requests.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open request storage: %w", err)
		}
		defer store.Close()

		authDB, err := bbolt.Open(dataDir+"/agents.db", 0o600, nil)
		if err != nil {
			return fmt.Errorf("failed to open auth database: %w", err)
		}
		defer authDB.Close()

		agents, err := auth.NewBoltRegistry(authDB)
		if err != nil {
			return fmt.Errorf("failed to open agent registry: %w", err)
		}

		ca, err := softca.Open(dataDir+"/ca.db", caSubject,
			softca.WithLogger(logger),
			softca.WithArchiveSeal(box))
		if err != nil {
			return fmt.Errorf("failed to open CA state: %w", err)
		}
		defer ca.Close()

		acls, err := auth.NewBoltACLStore(authDB)
		if err != nil {
			return fmt.Errorf("failed to open ACL store: %w", err)
		}
		if _, ok := acls.ACL(resource); !ok {
			err := acls.Put(&auth.ACL{
				Resource: resource,
				Grants:   map[string][]string{auth.OpSubmit: agentGroups},
			})
			if err != nil {
				return fmt.Errorf("failed to seed ACL: %w", err)
			}
		}

		queue := request.NewQueue(store,
			request.WithSeal(box),
			request.WithQueueLogger(logger))
		dedup := request.NewDeduplicator(queue, request.WithDedupLogger(logger))

		processors := connector.NewPipeline(connector.PipelineConfig{
			Queue:      queue,
			Normalizer: profile.NewNormalizer(profile.NewMemorySubsystem(), profile.WithNormalizerLogger(logger)),
			Issuer:     ca,
			Revoker:    ca,
			CRLSink:    ca,
			Recoverer:  ca,
			Audit:      auditEmitter,
			Logger:     logger,
		})

		c := connector.New(
			auth.NewRemoteAuthenticator(agents, "raCertAuth", auth.WithAuthLogger(logger)),
			auth.NewAuthorizer(acls, agents, auth.WithAuthzLogger(logger)),
			dedup,
			queue,
			processors,
			resource,
			connector.WithLogger(logger),
			connector.WithAuditEmitter(auditEmitter),
		)

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)

		r.Get("/cacert", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/x-pem-file")
			w.Write([]byte(ca.CACertificatePEM()))
		})
		r.Get("/crl", func(w http.ResponseWriter, req *http.Request) {
			crlPEM, err := ca.GenerateCRL(req.Context())
			if err != nil {
				http.Error(w, "CRL generation failed", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/x-pem-file")
			w.Write(crlPEM)
		})

		r.Mount("/", c.Router())

		tlsConfig, err := buildTLSConfig()
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting connector on port %d (data: %s, resource: %s)...\n", port, dataDir, resource)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// buildTLSConfig assembles the mTLS listener configuration. The client CA
// bundle gates which peers can even complete a handshake; requests without a
// client certificate still reach the handler so the connector can reject
// them with a proper status and audit record.
func buildTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.RequestClientCert,
	}
	if tlsCert != "" && tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	} else {
		cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	if clientCA != "" {
		pool := x509.NewCertPool()
		pemData, err := os.ReadFile(clientCA)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA bundle: %w", err)
		}
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates found in %s", clientCA)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// generateSelfSignedCert builds an ephemeral listener certificate for
// deployments that have not provisioned one yet.
func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "pkiconn"},
		NotBefore:    now,
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	)
}

// loadSealBox builds the at-rest sealing box. The key file holds 32 bytes
// hex-encoded. Without one a random per-process key is used and sealed data
// does not survive a restart.
func loadSealBox(path string) (*seal.Box, error) {
	if path == "" {
		fmt.Println("No seal key configured; using an ephemeral per-process key")
		return seal.NewRandom()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seal key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("seal key is not valid hex: %w", err)
	}
	return seal.New(key)
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringVar(&clientCA, "client-ca", "", "Path to PEM bundle of CAs trusted for client certificates")
	serverCmd.Flags().StringVar(&sealKeyFile, "seal-key", "", "Path to hex-encoded 32-byte key sealing sensitive data at rest")
	serverCmd.Flags().StringVar(&resource, "resource", "certServer.ca.connector", "ACL resource name guarding the submission endpoint")
	serverCmd.Flags().StringSliceVar(&agentGroups, "agent-group", []string{"Registration Manager Agents"}, "Groups granted submit access")
	serverCmd.Flags().StringVar(&caSubject, "ca-subject", "PKIConn Software CA", "Subject common name for the software CA root")
}
