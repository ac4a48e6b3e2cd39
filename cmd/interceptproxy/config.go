package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/denisvmedia/go-interceptproxy/internal/helper"
)

// Config is the command line configuration. Every exported field can also be
// set from the JSON file given with -f; flags on the command line win.
type Config struct {
	version    bool // show version
	generateCA bool // replace the root CA
	yes        bool // confirm CA generation without asking

	Listen           []string      // proxy listen addrs, "interface:port"
	WebAddr          string        // web interface listen addr, empty disables it
	VerifyUpstream   bool          // verify upstream server certificates
	IgnoreHosts      []string      // hosts that are not intercepted
	AllowHosts       []string      // only these hosts are intercepted
	PassthroughHosts []string      // CONNECT targets relayed without TLS interception
	CertPath         string        // directory of ca-cert.pem and ca-key.pem
	Debug            int           // 1 - debug log, 2 - debug log with source
	Dump             string        // write stored exchanges to this file on exit
	StorageSize      int           // max stored exchanges, 0 - unlimited
	Upstream         string        // upstream proxy URL
	MaxBodySize      int64         // max message body size in bytes
	MapRemote        string        // map remote config filename
	MapLocal         string        // map local config filename
	Decode           bool          // decode compressed response bodies
	Editor           bool          // hold messages for editing in $EDITOR
	ReadTimeout      time.Duration // max upstream silence while reading a response, 0 - proxy default
	LogFile          string        // log file path
	Name             string        // instance name used in logs

	filename string // read config from the filename
}

type arrayValue []string

func (a *arrayValue) String() string {
	return strings.Join(*a, ",")
}

func (a *arrayValue) Set(value string) error {
	*a = append(*a, value)
	return nil
}

func newFlagSet(config *Config, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("interceptproxy", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.BoolVar(&config.version, "version", false, "show interceptproxy version")
	fs.BoolVar(&config.generateCA, "generate_ca", false, "generate a new root CA, replacing the existing one")
	fs.BoolVar(&config.yes, "yes", false, "do not ask before generating a root CA")
	fs.Var((*arrayValue)(&config.Listen), "listen", "proxy listen addr, can be repeated")
	fs.StringVar(&config.WebAddr, "web_addr", "", "web interface listen addr")
	fs.BoolVar(&config.VerifyUpstream, "verify_upstream", false, "verify upstream server SSL/TLS certificates")
	fs.DurationVar(&config.ReadTimeout, "read_timeout", 0, "max upstream silence while reading a response, 0 - default 2m")
	fs.Var((*arrayValue)(&config.IgnoreHosts), "ignore_hosts", "a list of ignore hosts")
	fs.Var((*arrayValue)(&config.AllowHosts), "allow_hosts", "a list of allow hosts")
	fs.Var((*arrayValue)(&config.PassthroughHosts), "passthrough_hosts", "CONNECT targets relayed without interception")
	fs.StringVar(&config.CertPath, "cert_path", "", "path of generated cert files")
	fs.IntVar(&config.Debug, "debug", 0, "debug mode: 1 - print debug log, 2 - show debug from")
	fs.StringVar(&config.Dump, "dump", "", "dump filename")
	fs.IntVar(&config.StorageSize, "storage_size", 10000, "max number of stored exchanges, 0 - unlimited")
	fs.StringVar(&config.Upstream, "upstream", "", "upstream proxy")
	fs.Int64Var(&config.MaxBodySize, "max_body_size", 64<<20, "max message body size in bytes, 0 - unlimited")
	fs.StringVar(&config.MapRemote, "map_remote", "", "map remote config filename")
	fs.StringVar(&config.MapLocal, "map_local", "", "map local config filename")
	fs.BoolVar(&config.Decode, "decode", false, "decode compressed response bodies")
	fs.BoolVar(&config.Editor, "editor", false, "hold requests and responses for editing in $EDITOR")
	fs.StringVar(&config.LogFile, "log_file", "", "log file path")
	fs.StringVar(&config.Name, "name", "", "instance name")
	fs.StringVar(&config.filename, "f", "", "read config from the filename")
	return fs
}

// parseConfig parses args. When -f names a JSON file, the file is applied on
// top of the flag defaults and flags given on the command line win.
func parseConfig(args []string, output io.Writer) (*Config, error) {
	config := new(Config)
	fs := newFlagSet(config, output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if config.filename == "" {
		return withDefaults(config), nil
	}

	fileConfig := new(Config)
	fileFlags := newFlagSet(fileConfig, io.Discard)
	if err := helper.NewStructFromFile(config.filename, fileConfig); err != nil {
		return nil, fmt.Errorf("read config %s: %w", config.filename, err)
	}
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		if arr, ok := f.Value.(*arrayValue); ok {
			// Repeated flags replace the list from the file.
			*fileFlags.Lookup(f.Name).Value.(*arrayValue) = append(arrayValue(nil), (*arr)...)
			return
		}
		err = fileFlags.Set(f.Name, f.Value.String())
	})
	if err != nil {
		return nil, err
	}
	return withDefaults(fileConfig), nil
}

func withDefaults(config *Config) *Config {
	if len(config.Listen) == 0 {
		config.Listen = []string{":9080"}
	}
	return config
}
