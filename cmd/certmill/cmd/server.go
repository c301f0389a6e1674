package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/certmill/certmill/api"
	"github.com/certmill/certmill/authz"
	"github.com/certmill/certmill/csr"
	"github.com/certmill/certmill/internal/util"
	"github.com/certmill/certmill/pki"
	bboltstorage "github.com/certmill/certmill/storage/bbolt"
)

const (
	keystorePassphraseEnv = "CERTMILL_KEYSTORE_PASSPHRASE"
	jwtSecretEnv          = "CERTMILL_JWT_SECRET"
)

var (
	port                 int
	dataDir              string
	tlsCert              string
	tlsKey               string
	adminBypass          bool
	maxIntermediateDepth int
	organization         string
	country              string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase := os.Getenv(keystorePassphraseEnv)
		if passphrase == "" {
			return fmt.Errorf("%s must be set; it protects private keys at rest", keystorePassphraseEnv)
		}

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		repo, err := bboltstorage.NewRepositoryFromFile(dataDir+"/certmill.db", nil)
		if err != nil {
			return fmt.Errorf("failed to open certificate storage: %w", err)
		}
		defer repo.Close()

		keys, err := pki.NewSoftwareKeyStore(repo, passphrase)
		if err != nil {
			return fmt.Errorf("failed to open key store: %w", err)
		}

		policy := pki.DefaultPolicy()
		policy.MaxIntermediateDepth = maxIntermediateDepth
		if organization != "" {
			policy.DefaultOrganization = organization
		}
		if country != "" {
			policy.DefaultCountry = country
		}

		store := pki.NewStore(repo, keys, policy)
		gate := authz.NewGate(repo, store, authz.WithAdminBypass(adminBypass))
		processor := csr.NewProcessor(repo, store, gate, keys)

		jwtSecret := []byte(os.Getenv(jwtSecretEnv))
		if len(jwtSecret) == 0 {
			jwtSecret, err = util.RandomBytes(32)
			if err != nil {
				return fmt.Errorf("failed to generate JWT secret: %w", err)
			}
			fmt.Printf("%s not set; using an ephemeral JWT secret, tokens will not survive restarts\n", jwtSecretEnv)
		}

		a := api.New(repo, store, processor, gate, jwtSecret)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
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
		fmt.Printf("Starting server on port %d (data: %s)...\n", port, dataDir)

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

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().BoolVar(&adminBypass, "admin-bypass", true, "Let admins issue under any CA without an assignment")
	serverCmd.Flags().IntVar(&maxIntermediateDepth, "max-intermediate-depth", 1, "Maximum intermediate CA layers in a chain")
	serverCmd.Flags().StringVar(&organization, "organization", "", "Default subject organization for issued certificates")
	serverCmd.Flags().StringVar(&country, "country", "", "Default subject country for issued certificates")
}
