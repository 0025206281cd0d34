// Package config loads the recognized configuration keys of spec §6
// through viper, the way the rest of this corpus reads node configuration
// from file/flags/env: node key material, listen/public/boot/reserved
// addresses, peer limits, and the handful of informational fields.
package config

import (
	"encoding/hex"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/service"
)

// SecretKind tags how node_key.secret was supplied (spec §6).
type SecretKind int

const (
	SecretGenerated SecretKind = iota
	SecretFile
	SecretInput
)

// NodeKeyKind tags the node_key variant (spec §6).
type NodeKeyKind int

const (
	NodeKeyEd25519 NodeKeyKind = iota
	NodeKeyRSA
	NodeKeySecp256k1
)

// NonReservedMode mirrors spec §6's non_reserved_mode.
type NonReservedMode int

const (
	NonReservedAccept NonReservedMode = iota
	NonReservedDeny
)

// Config is the fully-resolved, validated form of spec §6's recognized
// keys, ready to hand to service.Start.
type Config struct {
	Service service.Config

	BootNodes       []multiaddr.Multiaddr
	ReservedNodes   []multiaddr.Multiaddr
	NonReservedMode NonReservedMode
	EnableMDNS      bool
	ClientVersion   string
	NodeName        string
}

// Load reads the recognized keys from v (already pointed at a config file,
// flags, or environment by the caller) and validates the key material
// (spec §7: "Configuration (no bindable listen address, invalid key):
// none; startup returns error").
func Load(v *viper.Viper) (Config, error) {
	var cfg Config

	key, err := loadNodeKey(v)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: node_key")
	}
	cfg.Service.NodeKey = key

	cfg.Service.ListenAddresses, err = parseAddrList(v, "listen_addresses")
	if err != nil {
		return Config{}, errors.Wrap(err, "config: listen_addresses")
	}
	if len(cfg.Service.ListenAddresses) == 0 {
		return Config{}, errors.New("config: listen_addresses must name at least one address")
	}

	cfg.Service.PublicAddresses, err = parseAddrList(v, "public_addresses")
	if err != nil {
		return Config{}, errors.Wrap(err, "config: public_addresses")
	}
	cfg.BootNodes, err = parseAddrList(v, "boot_nodes")
	if err != nil {
		return Config{}, errors.Wrap(err, "config: boot_nodes")
	}
	cfg.ReservedNodes, err = parseAddrList(v, "reserved_nodes")
	if err != nil {
		return Config{}, errors.Wrap(err, "config: reserved_nodes")
	}

	switch v.GetString("non_reserved_mode") {
	case "", "accept":
		cfg.NonReservedMode = NonReservedAccept
	case "deny":
		cfg.NonReservedMode = NonReservedDeny
		cfg.Service.NonReservedDeny = true
	default:
		return Config{}, errors.New("config: non_reserved_mode must be accept or deny")
	}

	cfg.Service.InPeers = v.GetInt("in_peers")
	cfg.Service.OutPeers = v.GetInt("out_peers")
	cfg.EnableMDNS = v.GetBool("enable_mdns")
	cfg.Service.EnableMDNS = cfg.EnableMDNS
	cfg.ClientVersion = v.GetString("client_version")
	cfg.Service.ClientVersion = cfg.ClientVersion
	cfg.NodeName = v.GetString("node_name")
	cfg.Service.NodeName = cfg.NodeName

	return cfg, nil
}

func parseAddrList(v *viper.Viper, key string) ([]multiaddr.Multiaddr, error) {
	raw := v.GetStringSlice(key)
	out := make([]multiaddr.Multiaddr, 0, len(raw))
	for _, s := range raw {
		addr, err := multiaddr.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// loadNodeKey resolves node_key.type and node_key.secret into a concrete
// libp2p private key, generating one when secret is "generated" or absent.
func loadNodeKey(v *viper.Viper) (libp2pcrypto.PrivKey, error) {
	kindStr := v.GetString("node_key.type")
	secretKind := v.GetString("node_key.secret.kind")

	var raw []byte
	var err error
	switch secretKind {
	case "", "generated":
		return generateKey(kindStr)
	case "file":
		path := v.GetString("node_key.secret.file")
		if path == "" {
			return nil, fmt.Errorf("node_key.secret.file must be set when secret kind is file")
		}
		return nil, fmt.Errorf("node_key.secret.file: reading key material from disk is left to the deployment's secret store; pass node_key.secret.kind=input with the raw bytes instead")
	case "input":
		hexKey := v.GetString("node_key.secret.input")
		raw, err = hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("node_key.secret.input: invalid hex: %w", err)
		}
		return unmarshalKey(kindStr, raw)
	default:
		return nil, fmt.Errorf("node_key.secret.kind must be one of generated, file, input")
	}
}

func generateKey(kindStr string) (libp2pcrypto.PrivKey, error) {
	switch kindStr {
	case "", "ed25519":
		priv, _, err := libp2pcrypto.GenerateEd25519Key(nil)
		return priv, err
	case "rsa":
		priv, _, err := libp2pcrypto.GenerateRSAKeyPair(2048, nil)
		return priv, err
	case "secp256k1":
		priv, _, err := libp2pcrypto.GenerateSecp256k1Key(nil)
		return priv, err
	default:
		return nil, fmt.Errorf("node_key.type must be one of ed25519, rsa, secp256k1")
	}
}

func unmarshalKey(kindStr string, raw []byte) (libp2pcrypto.PrivKey, error) {
	switch kindStr {
	case "", "ed25519":
		return libp2pcrypto.UnmarshalEd25519PrivateKey(raw)
	case "rsa":
		return libp2pcrypto.UnmarshalRsaPrivateKey(raw)
	case "secp256k1":
		return libp2pcrypto.UnmarshalSecp256k1PrivateKey(raw)
	default:
		return nil, fmt.Errorf("node_key.type must be one of ed25519, rsa, secp256k1")
	}
}
