// Package wizard provides the interactive setup wizard behind
// "pinhole init". It walks through role selection, transport and TLS
// choices and writes a ready-to-run configuration file.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/postalsys/pinhole/internal/certutil"
	"github.com/postalsys/pinhole/internal/config"
	"gopkg.in/yaml.v3"
)

// Roles the wizard can configure.
const (
	RoleBroker = "broker"
	RoleServer = "server"
	RoleClient = "client"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	CertsDir   string
	Role       string
}

// answers collects everything the forms gather before buildConfig
// turns it into a Config.
type answers struct {
	role       string
	configPath string

	transport string
	path      string
	plaintext bool
	tls       config.TLSConfig

	// broker
	listenPort  uint16
	punchPort   uint16
	punchPolicy string
	healthAddr  string // empty disables the health server

	// server and client
	brokerAddress string
	brokerPort    uint16

	// server
	servicePort       uint16
	keepaliveInterval time.Duration

	logLevel string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	var a answers
	var err error

	if err = w.askRole(&a); err != nil {
		return nil, err
	}
	if err = w.askConfigPath(&a); err != nil {
		return nil, err
	}
	if err = w.askTransport(&a); err != nil {
		return nil, err
	}

	var certsDir string
	var fingerprint string
	if !a.plaintext {
		certsDir, fingerprint, err = w.askTLSSetup(&a)
		if err != nil {
			return nil, err
		}
	}

	switch a.role {
	case RoleBroker:
		err = w.askBrokerConfig(&a)
	case RoleServer:
		err = w.askServerConfig(&a)
	case RoleClient:
		err = w.askClientConfig(&a)
	}
	if err != nil {
		return nil, err
	}

	if err = w.askLogLevel(&a); err != nil {
		return nil, err
	}

	cfg := w.buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := w.writeConfig(cfg, a.configPath); err != nil {
		return nil, err
	}

	w.printSummary(a, fingerprint)

	return &Result{
		Config:     cfg,
		ConfigPath: a.configPath,
		CertsDir:   certsDir,
		Role:       a.role,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
        _       _           _
  _ __ (_)_ __ | |__   ___ | | ___
 | '_ \| | '_ \| '_ \ / _ \| |/ _ \
 | |_) | | | | | | | | (_) | |  __/
 | .__/|_|_| |_|_| |_|\___/|_|\___|
 |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  NAT Rendezvous and Hole Punching - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askRole(a *answers) error {
	a.role = RoleBroker

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Role").
				Description("Each process plays one of three roles.\nThe broker must be reachable by both agents."),

			huh.NewSelect[string]().
				Title("Select Role").
				Options(
					huh.NewOption("Broker (public rendezvous point)", RoleBroker),
					huh.NewOption("Server agent (runs beside the NATed service)", RoleServer),
					huh.NewOption("Client agent (runs beside the NATed client program)", RoleClient),
				).
				Value(&a.role),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askConfigPath(a *answers) error {
	a.configPath = "./pinhole.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./pinhole.yaml").
				Value(&a.configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askTransport(a *answers) error {
	a.transport = "ws"
	a.path = "/rendezvous"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Control Transport").
				Description("How agents reach the broker's control channel.\nAll three processes must agree."),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Options(
					huh.NewOption("WebSocket (TCP, proxy-friendly)", "ws"),
					huh.NewOption("QUIC (UDP)", "quic"),
					huh.NewOption("HTTP/2 (TCP)", "h2"),
				).
				Value(&a.transport),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if a.transport == "ws" || a.transport == "h2" {
		pathForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("HTTP Path").
					Description("URL path for the control endpoint").
					Placeholder("/rendezvous").
					Value(&a.path).
					Validate(validateHTTPPath),
			),
		).WithTheme(w.theme)
		if err := pathForm.Run(); err != nil {
			return err
		}
	}

	if a.transport == "ws" {
		a.plaintext = true
		plainForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Plaintext WebSocket?").
					Description("The control channel carries only endpoints, no secrets.\nTLS protects against broker spoofing.").
					Value(&a.plaintext),
			),
		).WithTheme(w.theme)
		if err := plainForm.Run(); err != nil {
			return err
		}
	}

	return nil
}

// askTLSSetup gathers TLS material. The broker serves a certificate;
// agents decide how to trust it. Returns the certs directory and, when
// a certificate was generated, its fingerprint for the summary.
func (w *Wizard) askTLSSetup(a *answers) (certsDir, fingerprint string, err error) {
	if a.role == RoleBroker {
		return w.askBrokerTLS(a)
	}
	return "", "", w.askAgentTLS(a)
}

func (w *Wizard) askBrokerTLS(a *answers) (certsDir, fingerprint string, err error) {
	certsDir = "./certs"
	choice := "generate"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Broker Certificate").
				Description("The broker serves TLS on the control channel.\nAgents pin the certificate fingerprint, so self-signed is fine."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(
					huh.NewOption("Generate a new self-signed certificate", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
				).
				Value(&choice),

			huh.NewInput().
				Title("Certificates Directory").
				Placeholder(certsDir).
				Value(&certsDir),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	if err = os.MkdirAll(certsDir, 0700); err != nil {
		return certsDir, "", fmt.Errorf("failed to create certs directory: %w", err)
	}

	switch choice {
	case "generate":
		fingerprint, err = w.generateBrokerCert(a, certsDir)
	case "existing":
		err = w.useExistingCert(a, certsDir)
	}
	return
}

func (w *Wizard) generateBrokerCert(a *answers, certsDir string) (string, error) {
	commonName := "pinhole-broker"
	validDays := 365

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Common Name").
				Description("Hostname agents will dial").
				Placeholder("pinhole-broker").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Placeholder("365").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					d, err := strconv.Atoi(s)
					if err != nil || d < 1 {
						return fmt.Errorf("must be a positive number")
					}
					validDays = d
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return "", err
	}

	cert, err := certutil.GenerateBrokerCert(commonName, time.Duration(validDays)*24*time.Hour)
	if err != nil {
		return "", fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, "broker.crt")
	keyPath := filepath.Join(certsDir, "broker.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return "", fmt.Errorf("failed to save certificate: %w", err)
	}

	fmt.Printf("\n✓ Generated broker certificate: %s\n", certPath)
	fmt.Printf("  Fingerprint: %s\n", cert.Fingerprint())
	fmt.Printf("  Give this fingerprint to the agents.\n\n")

	a.tls.Cert = certPath
	a.tls.Key = keyPath
	return cert.Fingerprint(), nil
}

func (w *Wizard) useExistingCert(a *answers, certsDir string) error {
	certPath := filepath.Join(certsDir, "broker.crt")
	keyPath := filepath.Join(certsDir, "broker.key")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Certificate File").
				Placeholder(certPath).
				Value(&certPath).
				Validate(validateFileExists),

			huh.NewInput().
				Title("Private Key File").
				Placeholder(keyPath).
				Value(&keyPath).
				Validate(validateFileExists),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.tls.Cert = certPath
	a.tls.Key = keyPath
	return nil
}

func (w *Wizard) askAgentTLS(a *answers) error {
	choice := "fingerprint"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Broker Trust").
				Description("How should this agent verify the broker's certificate?"),

			huh.NewSelect[string]().
				Title("Verification").
				Options(
					huh.NewOption("Pin the broker's certificate fingerprint", "fingerprint"),
					huh.NewOption("Verify against a CA certificate file", "ca"),
					huh.NewOption("Skip verification (testing only)", "insecure"),
				).
				Value(&choice),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	switch choice {
	case "fingerprint":
		var fp string
		fpForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Broker Fingerprint").
					Description("Printed by the broker's setup wizard").
					Placeholder("sha256:...").
					Value(&fp).
					Validate(validateFingerprint),
			),
		).WithTheme(w.theme)
		if err := fpForm.Run(); err != nil {
			return err
		}
		a.tls.Fingerprint = strings.TrimSpace(fp)

	case "ca":
		var caPath string
		caForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("CA Certificate File").
					Placeholder("./certs/broker.crt").
					Value(&caPath).
					Validate(validateFileExists),
			),
		).WithTheme(w.theme)
		if err := caForm.Run(); err != nil {
			return err
		}
		a.tls.CA = caPath

	case "insecure":
		a.tls.InsecureSkipVerify = true
	}

	return nil
}

func (w *Wizard) askBrokerConfig(a *answers) error {
	listenPort := "7777"
	punchPort := ""
	a.punchPolicy = config.PolicyBroadcast
	healthEnabled := false
	healthAddr := ":8080"

	groups := []*huh.Group{
		huh.NewGroup(
			huh.NewNote().
				Title("Broker Configuration").
				Description("The broker listens for agents and receives their\nkeepalive and punchme datagrams."),

			huh.NewInput().
				Title("Listen Port").
				Description("Control channel port, also the datagram port").
				Placeholder("7777").
				Value(&listenPort).
				Validate(validatePort),

			huh.NewSelect[string]().
				Title("Punch Dispatch Policy").
				Description("What to do when several servers are registered").
				Options(
					huh.NewOption("Broadcast (every server punches)", config.PolicyBroadcast),
					huh.NewOption("First reply (stop after one confirmation)", config.PolicyFirstReply),
				).
				Value(&a.punchPolicy),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /metrics, /status)").
				Value(&healthEnabled),
		),
	}

	// QUIC holds the UDP port itself, so the datagram socket needs its
	// own port.
	if a.transport == "quic" {
		groups = append(groups, huh.NewGroup(
			huh.NewInput().
				Title("Punch Datagram Port").
				Description("Must differ from the QUIC listen port").
				Placeholder("7778").
				Value(&punchPort).
				Validate(validatePort),
		))
	}

	if err := huh.NewForm(groups...).WithTheme(w.theme).Run(); err != nil {
		return err
	}

	if healthEnabled {
		addrForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Health Address").
					Placeholder(":8080").
					Value(&healthAddr),
			),
		).WithTheme(w.theme)
		if err := addrForm.Run(); err != nil {
			return err
		}
		a.healthAddr = healthAddr
	}

	a.listenPort, _ = parsePort(listenPort)
	if punchPort != "" {
		a.punchPort, _ = parsePort(punchPort)
	}
	return nil
}

func (w *Wizard) askServerConfig(a *answers) error {
	brokerPort := "7777"
	servicePort := ""
	keepalive := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Server Agent Configuration").
				Description("This agent keeps the broker informed about the service\nand punches holes when clients ask."),

			huh.NewInput().
				Title("Broker Address").
				Description("Hostname or IP of the broker").
				Placeholder("broker.example.com").
				Value(&a.brokerAddress).
				Validate(validateRequired("broker address")),

			huh.NewInput().
				Title("Broker Port").
				Placeholder("7777").
				Value(&brokerPort).
				Validate(validatePort),

			huh.NewInput().
				Title("Service Port").
				Description("UDP port of the local service; it must bind with SO_REUSEPORT").
				Placeholder("41641").
				Value(&servicePort).
				Validate(validatePort),

			huh.NewInput().
				Title("Keepalive Interval").
				Description("How often to refresh the broker's NAT mapping (default 60s)").
				Placeholder("60s").
				Value(&keepalive).
				Validate(validateInterval),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.brokerPort, _ = parsePort(brokerPort)
	a.servicePort, _ = parsePort(servicePort)
	if keepalive != "" {
		a.keepaliveInterval, _ = time.ParseDuration(keepalive)
	}
	return nil
}

func (w *Wizard) askClientConfig(a *answers) error {
	brokerPort := "7777"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Client Agent Configuration").
				Description("This agent watches for the local program's outbound\ntraffic and races hole punches through the broker."),

			huh.NewInput().
				Title("Broker Address").
				Description("Hostname or IP of the broker").
				Placeholder("broker.example.com").
				Value(&a.brokerAddress).
				Validate(validateRequired("broker address")),

			huh.NewInput().
				Title("Broker Port").
				Placeholder("7777").
				Value(&brokerPort).
				Validate(validatePort),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	a.brokerPort, _ = parsePort(brokerPort)
	return nil
}

func (w *Wizard) askLogLevel(a *answers) error {
	a.logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.logLevel),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) buildConfig(a answers) *config.Config {
	cfg := config.Default()

	cfg.Log.Level = a.logLevel
	cfg.Log.Format = "text"

	cfg.Transport.Type = a.transport
	cfg.Transport.Plaintext = a.plaintext
	if a.transport == "ws" || a.transport == "h2" {
		cfg.Transport.Path = a.path
	}
	cfg.Transport.TLS = a.tls

	switch a.role {
	case RoleBroker:
		if a.listenPort != 0 {
			cfg.Broker.ListenPort = a.listenPort
		}
		cfg.Broker.PunchPort = a.punchPort
		cfg.Broker.PunchPolicy = a.punchPolicy
		cfg.Broker.Health.Enabled = a.healthAddr != ""
		if a.healthAddr != "" {
			cfg.Broker.Health.Address = a.healthAddr
		}

	case RoleServer:
		cfg.Server.BrokerAddress = a.brokerAddress
		if a.brokerPort != 0 {
			cfg.Server.BrokerPort = a.brokerPort
		}
		cfg.Server.ServicePort = a.servicePort
		if a.keepaliveInterval > 0 {
			cfg.Server.KeepaliveInterval = a.keepaliveInterval
		}

	case RoleClient:
		cfg.Client.BrokerAddress = a.brokerAddress
		if a.brokerPort != 0 {
			cfg.Client.BrokerPort = a.brokerPort
		}
	}

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Pinhole Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(a answers, fingerprint string) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Role:         %s\n", a.role)
	fmt.Printf("  Config file:  %s\n", a.configPath)

	switch a.role {
	case RoleBroker:
		scheme := a.transport
		if a.transport == "ws" && !a.plaintext {
			scheme = "wss"
		}
		fmt.Printf("  Control:      %s on port %d\n", scheme, a.listenPort)
		datagramPort := a.listenPort
		if a.punchPort != 0 {
			datagramPort = a.punchPort
		}
		fmt.Printf("  Datagrams:    udp/%d\n", datagramPort)
		if a.healthAddr != "" {
			fmt.Printf("  Health:       http://%s/healthz\n", a.healthAddr)
		}
		if fingerprint != "" {
			fmt.Printf("  Fingerprint:  %s\n", fingerprint)
		}
	case RoleServer:
		fmt.Printf("  Broker:       %s:%d\n", a.brokerAddress, a.brokerPort)
		fmt.Printf("  Service port: udp/%d\n", a.servicePort)
	case RoleClient:
		fmt.Printf("  Broker:       %s:%d\n", a.brokerAddress, a.brokerPort)
	}

	fmt.Println()
	fmt.Println("  To start:")
	fmt.Printf("    pinhole %s -c %s\n", a.role, a.configPath)
	fmt.Println()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateHTTPPath(s string) error {
	if s == "" || !strings.HasPrefix(s, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}

func validateFileExists(s string) error {
	if _, err := os.Stat(s); os.IsNotExist(err) {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}

func validateFingerprint(s string) error {
	if !strings.HasPrefix(strings.TrimSpace(s), "sha256:") {
		return fmt.Errorf("fingerprint looks like sha256:<hex>")
	}
	return nil
}

func validateRequired(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func validatePort(s string) error {
	_, err := parsePort(s)
	return err
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("port must be 1-65535")
	}
	return uint16(n), nil
}

func validateInterval(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("use a duration like 60s or 2m")
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}
