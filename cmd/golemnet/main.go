// Command golemnet runs the p2p networking core as a standalone process:
// it loads configuration, starts the controller, prints NetworkEvents as
// they arrive, and accepts line-delimited commands on stdin mirroring the
// client request API of spec §6. The foreign-language binding layer the
// spec describes as an external collaborator is out of scope here; this is
// a minimal native client for exercising the core end to end.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/golemfactory/golemnet/internal/config"
	"github.com/golemfactory/golemnet/internal/controller"
	"github.com/golemfactory/golemnet/internal/framing"
	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/netevent"
	"github.com/golemfactory/golemnet/internal/peerid"
)

var (
	cfgFile    string
	logLevel   string
	protoFlags []string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("golemnet exited with error")
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "golemnet",
		Short: "Peer-to-peer networking core daemon",
		RunE:  runDaemon,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML/TOML/JSON config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringSliceVar(&protoFlags, "protocol", []string{"p2p"}, "registered custom protocol ids (repeatable)")
	return root
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "golemnet")

	v := viper.New()
	v.SetConfigType("yaml")
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", cfgFile, err)
		}
	} else {
		v.SetDefault("listen_addresses", []string{"/ip4/0.0.0.0/tcp/0"})
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	ctrl, events, err := controller.New(cfg.Service, protoFlags, []uint8{1}, nil, nil, log)
	if err != nil {
		return fmt.Errorf("starting controller: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go stdinCommandLoop(ctrl, log)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			logEvent(log, ev)
			if ev.Kind == netevent.EventTerminated {
				return nil
			}
		case <-sigCh:
			log.Info("signal received, stopping")
			ctrl.Stop()
			ctrl.Wait()
			return nil
		}
	}
}

func logEvent(log *logrus.Entry, ev netevent.NetworkEvent) {
	switch ev.Kind {
	case netevent.EventListening:
		addrs := make([]string, len(ev.ListenAddrs))
		for i, a := range ev.ListenAddrs {
			addrs[i] = a.String()
		}
		log.WithField("addrs", addrs).Info("listening")
	case netevent.EventTerminated:
		log.Info("terminated")
	case netevent.EventConnected:
		log.WithField("peer", ev.Peer.String()).Info("connected")
	case netevent.EventDisconnected:
		log.WithField("peer", ev.Peer.String()).Info("disconnected")
	case netevent.EventMessage:
		log.WithFields(logrus.Fields{
			"peer":     ev.Peer.String(),
			"protocol": ev.Message.ProtocolID.String(),
			"bytes":    len(ev.Message.Payload),
		}).Info("message")
	case netevent.EventClogged:
		log.WithField("peer", ev.Peer.String()).Warn("clogged")
	}
}

// stdinCommandLoop accepts simple line-delimited commands for interactive
// use: "connect <multiaddr>", "dial <peer-id>", "disconnect <peer-id>",
// "send <peer-id> <protocol> <text>", "stop".
func stdinCommandLoop(ctrl *controller.Controller, log *logrus.Entry) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "connect":
			if len(fields) != 2 {
				log.Warn("usage: connect <multiaddr>")
				continue
			}
			addr, err := multiaddr.Parse(fields[1])
			if err != nil {
				log.WithError(err).Warn("invalid multiaddr")
				continue
			}
			ctrl.Submit(netevent.ClientRequest{Kind: netevent.ReqConnect, Address: addr})
		case "dial":
			if len(fields) != 2 {
				log.Warn("usage: dial <peer-id>")
				continue
			}
			peer, err := peerid.FromString(fields[1])
			if err != nil {
				log.WithError(err).Warn("invalid peer id")
				continue
			}
			ctrl.Submit(netevent.ClientRequest{Kind: netevent.ReqConnectToPeer, Peer: peer})
		case "disconnect":
			if len(fields) != 2 {
				log.Warn("usage: disconnect <peer-id>")
				continue
			}
			peer, err := peerid.FromString(fields[1])
			if err != nil {
				log.WithError(err).Warn("invalid peer id")
				continue
			}
			ctrl.Submit(netevent.ClientRequest{Kind: netevent.ReqDisconnectPeer, Peer: peer})
		case "send":
			if len(fields) < 4 {
				log.Warn("usage: send <peer-id> <protocol> <text>")
				continue
			}
			peer, err := peerid.FromString(fields[1])
			if err != nil {
				log.WithError(err).Warn("invalid peer id")
				continue
			}
			protoID, err := framing.NewProtocolID(fields[2])
			if err != nil {
				log.WithError(err).Warn("invalid protocol id")
				continue
			}
			payload := strings.Join(fields[3:], " ")
			ctrl.Submit(netevent.ClientRequest{
				Kind: netevent.ReqSendMessage,
				Peer: peer,
				Message: framing.UserMessage{
					ProtocolID: protoID,
					Payload:    []byte(payload),
				},
			})
		case "stop":
			ctrl.Submit(netevent.ClientRequest{Kind: netevent.ReqStop})
			return
		default:
			log.WithField("cmd", fields[0]).Warn("unknown command")
		}
	}
}
