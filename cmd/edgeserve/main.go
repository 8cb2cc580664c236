package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/edgeserve/edgeserve"
)

type config struct {
	Scripts []scriptConfig `yaml:"scripts"`
	Account accountConfig  `yaml:"account"`

	// ObjectStore is an optional SQLite path for durable-object state.
	// Empty keeps state in memory.
	ObjectStore string `yaml:"objectStore"`

	// IPEndpoint overrides the external IP echo service.
	IPEndpoint string `yaml:"ipEndpoint"`
}

type accountConfig struct {
	AccountID string `yaml:"accountId"`
	APIToken  string `yaml:"apiToken"`
}

type scriptConfig struct {
	Name          string          `yaml:"name"`
	Path          string          `yaml:"path"`
	Kind          string          `yaml:"kind"`
	Port          int             `yaml:"port"`
	LocalHostname string          `yaml:"localHostname"`
	InProcess     bool            `yaml:"inProcess"`
	Bindings      []bindingConfig `yaml:"bindings"`
}

type bindingConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"`
	Value       string `yaml:"value"`
	NamespaceID string `yaml:"namespaceId"`
	Namespace   string `yaml:"namespace"`
	ClassName   string `yaml:"className"`
}

func main() {
	configPath := flag.String("config", "edgeserve.yaml", "path to the config file")
	verbose := flag.Bool("verbose", false, "log every request")
	flag.Parse()

	log.SetFlags(log.Ltime)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if len(cfg.Scripts) == 0 {
		log.Fatalf("config: no scripts defined in %s", *configPath)
	}

	var objectStore edgeserve.DurableObjectStore
	if cfg.ObjectStore != "" {
		objectStore, err = edgeserve.NewSQLiteObjectStore(cfg.ObjectStore)
		if err != nil {
			log.Fatalf("object store: %v", err)
		}
	} else {
		objectStore = edgeserve.NewMemoryObjectStore()
	}

	providers := edgeserve.Providers{
		Cache:          edgeserve.NewCacheStub(),
		DurableObjects: edgeserve.LocalObjectProvider{},
	}
	if cfg.Account.AccountID != "" && cfg.Account.APIToken != "" {
		providers.KV = &edgeserve.RemoteKVProvider{Cred: edgeserve.Credential{
			AccountID: cfg.Account.AccountID,
			APIToken:  cfg.Account.APIToken,
		}}
	}

	metadata := &edgeserve.MetadataSynthesizer{
		IPSource: &edgeserve.ExternalIPSource{Endpoint: cfg.IPEndpoint},
	}

	var closers []func()
	for _, sc := range cfg.Scripts {
		script, err := toScript(sc)
		if err != nil {
			log.Fatalf("config: script %s: %v", sc.Name, err)
		}

		registry := edgeserve.NewDurableObjectRegistry(objectStore)
		manager := edgeserve.NewRunManager(script, providers, nil, nil, registry)
		if err := manager.Start(); err != nil {
			log.Fatalf("load %s: %v", script.Name, err)
		}

		reloader, err := edgeserve.NewHotReloader(func() {
			// Errors already logged; the previous run keeps serving.
			_ = manager.Reload()
		}, script.Path)
		if err != nil {
			log.Fatalf("watch %s: %v", script.Name, err)
		}

		perScript := *metadata
		perScript.Hostname = script.LocalHostname
		server := &edgeserve.Server{
			Script:      script,
			Dispatcher:  manager,
			Metadata:    &perScript,
			LogRequests: *verbose,
		}
		if err := server.Listen(); err != nil {
			log.Fatalf("%v", err)
		}
		go func(name string) {
			if err := server.Serve(); err != nil {
				log.Fatalf("serve %s: %v", name, err)
			}
		}(script.Name)

		closers = append(closers, func() {
			reloader.Close()
			server.Close()
			manager.Shutdown()
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")
	for _, closeFn := range closers {
		closeFn()
	}
}

func loadConfig(path string) (*config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func toScript(sc scriptConfig) (*edgeserve.Script, error) {
	if sc.Name == "" || sc.Path == "" {
		return nil, fmt.Errorf("name and path are required")
	}
	if sc.Port == 0 {
		return nil, fmt.Errorf("port is required")
	}
	kind := edgeserve.ScriptKind(sc.Kind)
	switch kind {
	case "":
		kind = edgeserve.ModuleKind
	case edgeserve.ModuleKind, edgeserve.ClassicKind:
	default:
		return nil, fmt.Errorf("unknown script kind %q", sc.Kind)
	}
	script := &edgeserve.Script{
		Name:          sc.Name,
		Path:          sc.Path,
		Kind:          kind,
		Port:          sc.Port,
		LocalHostname: sc.LocalHostname,
		InProcess:     sc.InProcess,
	}
	for _, bc := range sc.Bindings {
		b := edgeserve.Binding{Name: bc.Name, Kind: edgeserve.BindingKind(bc.Kind)}
		switch b.Kind {
		case edgeserve.BindingPlain, edgeserve.BindingSecret:
			b.Value = bc.Value
		case edgeserve.BindingKVNamespace:
			b.KVNamespaceID = bc.NamespaceID
		case edgeserve.BindingDurableObject:
			b.DONamespace = bc.Namespace
			b.ClassName = bc.ClassName
		default:
			return nil, fmt.Errorf("binding %s: unknown kind %q", bc.Name, bc.Kind)
		}
		script.Bindings = append(script.Bindings, b)
	}
	return script, nil
}
