/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	// Import all Kubernetes client auth plugins (e.g. Azure, GCP, OIDC, etc.)
	// to ensure that exec-entrypoint and run can make use of them.
	_ "k8s.io/client-go/plugin/pkg/client/auth"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	dynamicclient "k8s.io/client-go/dynamic"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/restmapper"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/certwatcher"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	nopeav1alpha1 "github.com/nopea-io/gitops-reconciler/api/v1alpha1"
	"github.com/nopea-io/gitops-reconciler/internal/cdevents"
	"github.com/nopea-io/gitops-reconciler/internal/controller"
	"github.com/nopea-io/gitops-reconciler/internal/gitops"
	"github.com/nopea-io/gitops-reconciler/internal/gitops/collab"
	"github.com/nopea-io/gitops-reconciler/internal/gitops/gitexec"
	"github.com/nopea-io/gitops-reconciler/internal/k8sops"
	"github.com/nopea-io/gitops-reconciler/internal/leaderelection"
	"github.com/nopea-io/gitops-reconciler/internal/metrics"
	"github.com/nopea-io/gitops-reconciler/internal/statestore"
	"github.com/nopea-io/gitops-reconciler/internal/supervisor"
	"github.com/nopea-io/gitops-reconciler/internal/webhookserver"
	// +kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(nopeav1alpha1.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
}

// +kubebuilder:rbac:groups=nopea.io,resources=gitopsrepositories,verbs=get;list;watch
// +kubebuilder:rbac:groups=nopea.io,resources=gitopsrepositories/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=coordination.k8s.io,resources=leases,verbs=get;create;update

// getenvBool reads key as a boolean, falling back to def (with a logged
// warning) when key is set but not a valid boolean.
func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		setupLog.Info("invalid boolean environment variable, using default", "var", key, "value", v, "default", def)
		return def
	}
	return b
}

// getenvInt reads key as an integer, falling back to def (with a logged
// warning) when key is set but not a valid integer.
func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		setupLog.Info("invalid integer environment variable, using default", "var", key, "value", v, "default", def)
		return def
	}
	return n
}

// getenvSeconds reads key as an integer number of seconds and returns it as
// a Duration, falling back to def (with a logged warning) on an invalid value.
func getenvSeconds(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		setupLog.Info("invalid integer environment variable, using default", "var", key, "value", v, "default", def)
		return def
	}
	return time.Duration(n) * time.Second
}

// nolint:gocyclo
func main() {
	var namespace string
	var httpPort int
	var webhookCertPath, webhookCertName, webhookCertKey string
	var enableLeaderElection bool
	var clusterEnabled bool
	var enableHTTP2 bool
	var baseDir string
	var collaboratorSocket string
	var cdEventsSink string
	var webhookSecretEnv string
	var leaseName, leaseNamespace string
	var leaseDuration, leaseRenewDeadline, leaseRetryPeriod time.Duration
	var tlsOpts []func(*tls.Config)

	flag.StringVar(&namespace, "namespace", os.Getenv("WATCH_NAMESPACE"), "Namespace to watch for GitOpsRepository resources. Empty watches all namespaces.")
	flag.IntVar(&httpPort, "http-port", getenvInt("NOPEA_HTTP_PORT", 4000), "The port serving /webhook, /health, /ready and /metrics.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", getenvBool("NOPEA_ENABLE_LEADER_ELECTION", false),
		"Enable leader election. Enabling this will ensure there is only one active controller.")
	flag.BoolVar(&clusterEnabled, "cluster-enabled", getenvBool("NOPEA_CLUSTER_ENABLED", true),
		"Whether this process participates in a multi-replica cluster. When false, leader election is skipped and this process always runs active.")
	flag.StringVar(&webhookCertPath, "webhook-cert-path", "", "The directory that contains the webhook ingress certificate.")
	flag.StringVar(&webhookCertName, "webhook-cert-name", "tls.crt", "The name of the webhook ingress certificate file.")
	flag.StringVar(&webhookCertKey, "webhook-cert-key", "tls.key", "The name of the webhook ingress key file.")
	flag.BoolVar(&enableHTTP2, "enable-http2", false,
		"If set, HTTP/2 will be enabled for the webhook/metrics server")
	flag.StringVar(&baseDir, "base-dir", "/var/run/gitops-reconciler", "Base directory for per-repository git working trees.")
	flag.StringVar(&collaboratorSocket, "collaborator-socket", "", "Unix socket of the external git collaborator process. Empty runs git in-process.")
	flag.StringVar(&cdEventsSink, "cdevents-sink", "", "HTTP sink URL for CDEvents. Empty disables emission.")
	flag.StringVar(&webhookSecretEnv, "webhook-secret", os.Getenv("NOPEA_WEBHOOK_SECRET"), "Fallback webhook signing secret used when no per-repository Secret is found.")
	flag.StringVar(&leaseName, "leader-lease-name", envOrDefault("NOPEA_LEADER_LEASE_NAME", "nopea-gitops-reconciler"), "Name of the coordination.k8s.io Lease used for leader election.")
	flag.StringVar(&leaseNamespace, "leader-lease-namespace", os.Getenv("NOPEA_LEADER_LEASE_NAMESPACE"), "Namespace of the leader election Lease. Defaults to the pod's own namespace.")
	flag.DurationVar(&leaseDuration, "leader-lease-duration", getenvSeconds("NOPEA_LEADER_LEASE_DURATION", 15*time.Second), "Leader election lease duration.")
	flag.DurationVar(&leaseRenewDeadline, "leader-lease-renew-deadline", getenvSeconds("NOPEA_LEADER_LEASE_RENEW_DEADLINE", 10*time.Second), "Leader election renew deadline.")
	flag.DurationVar(&leaseRetryPeriod, "leader-lease-retry-period", getenvSeconds("NOPEA_LEADER_LEASE_RETRY_PERIOD", 2*time.Second), "Leader election retry period.")
	flag.Parse()

	if !clusterEnabled {
		enableLeaderElection = false
	}

	// if the enable-http2 flag is false (the default), http/2 should be disabled
	// due to its vulnerabilities. More specifically, disabling http/2 will
	// prevent from being vulnerable to the HTTP/2 Stream Cancellation and
	// Rapid Reset CVEs. For more information see:
	// - https://github.com/advisories/GHSA-qppj-fm5r-hxr3
	// - https://github.com/advisories/GHSA-4374-p667-p6c8
	disableHTTP2 := func(c *tls.Config) {
		setupLog.Info("disabling http/2")
		c.NextProtos = []string{"http/1.1"}
	}
	if !enableHTTP2 {
		tlsOpts = append(tlsOpts, disableHTTP2)
	}

	var webhookCertWatcher *certwatcher.CertWatcher
	webhookTLSOpts := tlsOpts
	if len(webhookCertPath) > 0 {
		setupLog.Info("initializing webhook ingress certificate watcher",
			"webhook-cert-path", webhookCertPath, "webhook-cert-name", webhookCertName, "webhook-cert-key", webhookCertKey)

		var err error
		webhookCertWatcher, err = certwatcher.New(
			filepath.Join(webhookCertPath, webhookCertName),
			filepath.Join(webhookCertPath, webhookCertKey),
		)
		if err != nil {
			setupLog.Error(err, "failed to initialize webhook ingress certificate watcher")
			os.Exit(1)
		}
		webhookTLSOpts = append(webhookTLSOpts, func(config *tls.Config) {
			config.GetCertificate = webhookCertWatcher.GetCertificate
		})
	}

	rootCtx := ctrl.SetupSignalHandler()

	if webhookCertWatcher != nil {
		go func() {
			if err := webhookCertWatcher.Start(rootCtx); err != nil {
				setupLog.Error(err, "webhook ingress certificate watcher stopped")
			}
		}()
	}

	cfg := ctrl.GetConfigOrDie()

	typedClient, err := client.New(cfg, client.Options{Scheme: scheme})
	if err != nil {
		setupLog.Error(err, "unable to build typed client")
		os.Exit(1)
	}

	dynClient, err := dynamicclient.NewForConfig(cfg)
	if err != nil {
		setupLog.Error(err, "unable to build dynamic client")
		os.Exit(1)
	}

	discoveryClient, err := discovery.NewDiscoveryClientForConfig(cfg)
	if err != nil {
		setupLog.Error(err, "unable to build discovery client")
		os.Exit(1)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(discoveryClient))

	store := statestore.New()
	emit := cdevents.New(cdEventsSink, ctrl.Log.WithName("cdevents"))
	k8sOps := &k8sops.Dynamic{Client: dynClient, Mapper: mapper}

	gitOps := buildGitOps(collaboratorSocket, typedClient, ctrl.Log.WithName("gitops"))

	sup := supervisor.New(baseDir, gitOps, k8sOps, store, emit, ctrl.Log.WithName("supervisor"))
	ctl := controller.New(dynClient, sup, store, ctrl.Log.WithName("controller"))

	if shutdown, err := metrics.InitOTLPExporter(rootCtx); err != nil {
		setupLog.Error(err, "unable to initialize OTLP exporter")
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				setupLog.Error(err, "failed to shutdown OTLP exporter")
			}
		}()
	}

	leadership := make(chan bool, 1)
	var isLeader atomic.Bool

	if enableLeaderElection {
		if leaseNamespace == "" {
			leaseNamespace = podNamespace()
		}
		elector := leaderelection.New(typedClient, leaderelection.Config{
			LeaseName:      leaseName,
			LeaseNamespace: leaseNamespace,
			HolderIdentity: podName(),
			LeaseDuration:  leaseDuration,
			RenewDeadline:  leaseRenewDeadline,
			RetryPeriod:    leaseRetryPeriod,
		}, ctrl.Log.WithName("leaderelection"), func(leader bool) {
			isLeader.Store(leader)
			leadership <- leader
		})
		go elector.Run(rootCtx)
	} else {
		isLeader.Store(true)
		leadership <- true
	}

	go ctl.Run(rootCtx, namespace, leadership)

	webhookSecret := webhookserver.SecretResolver(func(repo string) (string, bool) {
		if secret, ok := lookupWebhookSecret(rootCtx, typedClient, namespace, repo); ok {
			return secret, true
		}
		if webhookSecretEnv != "" {
			return webhookSecretEnv, true
		}
		return "", false
	})
	ready := func() bool { return isLeader.Load() }
	whServer := webhookserver.New(sup, webhookSecret, ready, ctrl.Log.WithName("webhookserver"))

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(httpPort),
		Handler: whServer,
	}
	if webhookCertWatcher != nil {
		httpServer.TLSConfig = &tls.Config{}
		for _, opt := range webhookTLSOpts {
			opt(httpServer.TLSConfig)
		}
	}
	go func() {
		setupLog.Info("starting http server", "addr", httpServer.Addr)
		var err error
		if webhookCertWatcher != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			setupLog.Error(err, "problem running http server")
			os.Exit(1)
		}
	}()

	setupLog.Info("started")
	<-rootCtx.Done()
	setupLog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	for _, name := range sup.List() {
		sup.StopWorker(name)
	}
}

// envOrDefault returns the environment variable named key, or def when unset
// or empty.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// buildGitOps wires the external collaborator client when a socket path is
// configured, else falls back to running git in-process via go-git. The
// collaborator resolves its own credentials out of band over its socket
// protocol; the in-process implementation resolves a repository's
// SecretRef through typedClient, registered per-repository by the
// Supervisor around each worker's lifetime (internal/gitops.AuthRegistrar).
func buildGitOps(collaboratorSocket string, typedClient client.Client, log logr.Logger) gitops.GitOps {
	if collaboratorSocket != "" {
		return &collab.Client{SocketPath: collaboratorSocket, Log: log}
	}
	return &gitexec.GitOps{Client: typedClient}
}

func podName() string {
	if v := os.Getenv("POD_NAME"); v != "" {
		return v
	}
	host, _ := os.Hostname()
	return host
}

func podNamespace() string {
	if v := os.Getenv("POD_NAMESPACE"); v != "" {
		return v
	}
	if data, err := os.ReadFile("/var/run/secrets/kubernetes.io/serviceaccount/namespace"); err == nil {
		return string(data)
	}
	return "default"
}

// lookupWebhookSecret reads the shared secret for repo's webhook signature
// verification from a Secret named "<repo>-webhook" in namespace, key
// "secret". A missing Secret means signature verification cannot proceed.
func lookupWebhookSecret(ctx context.Context, c client.Client, namespace, repo string) (string, bool) {
	var secret corev1.Secret
	key := client.ObjectKey{Namespace: namespace, Name: repo + "-webhook"}
	if err := c.Get(ctx, key, &secret); err != nil {
		if !apierrors.IsNotFound(err) {
			setupLog.Error(err, "failed to fetch webhook secret", "repo", repo)
		}
		return "", false
	}
	value, ok := secret.Data["secret"]
	if !ok {
		return "", false
	}
	return string(value), true
}
