// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command meshcoapd wires a coap.Agent to a meshcop.Commissioner,
// mle.RouterTable and mlr.Client over the reference UDP6/DTLS/clock
// transports, the way a border router's TMF stack would run them all on
// one cooperative event loop.
package main

import (
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openthread-go/corestack/coap"
	"github.com/openthread-go/corestack/meshcop"
	"github.com/openthread-go/corestack/mle"
	"github.com/openthread-go/corestack/mlr"
	"github.com/openthread-go/corestack/transport/clock"
	"github.com/openthread-go/corestack/transport/dtlsudp"
	"github.com/openthread-go/corestack/transport/settings"
	"github.com/openthread-go/corestack/transport/udp6"
)

var (
	flagListen     = flag.String("listen", "[::]:61631", "UDP6 address to listen for TMF traffic on")
	flagIface      = flag.String("iface", "", "network interface to bind and join multicast groups on")
	flagCommission = flag.Bool("commissioner", false, "run the MeshCoP commissioner role")
	flagLeaderALOC = flag.String("leader-aloc", "", "leader anycast locator, required with -commissioner")
	flagCommID     = flag.String("commissioner-id", "", "commissioner id; random if empty")
	flagSelfRouter = flag.Uint("router-id", 1, "this device's router id in the MLE router table")
	flagSettings   = flag.String("settings", "meshcoapd.json", "path to the persisted settings document")
	flagMlrALOC    = flag.String("mlr-aloc", "", "primary backbone service anycast locator; empty disables MLR")
)

type logger struct{}

func (logger) Printf(format string, v ...interface{}) { logrus.Infof(format, v...) }

func main() {
	flag.Parse()

	store, err := settings.Open(*flagSettings)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open settings store")
	}

	sock, err := udp6.Listen(*flagListen, *flagIface)
	if err != nil {
		logrus.WithError(err).Fatal("failed to listen for TMF traffic")
	}
	defer sock.Close()

	if err := sock.JoinMulticast(coap.AllNetworkBbrsMulticastAddr); err != nil {
		logrus.WithError(err).Warn("failed to join all-network-BBRs multicast group")
	}

	clk := clock.New()
	pool := coap.NewPool(64)

	var agent *coap.Agent
	alarm := clock.NewAlarm(clk, func() {
		if agent != nil {
			agent.HandleTimerFired(clk.NowMs())
		}
	})
	agent = coap.NewAgent(pool, sock, clk, alarm, coap.WithLogger(logger{}))
	sock.OnReceive(agent.HandleReceive)

	routerTable := mle.NewRouterTable(rand.New(rand.NewSource(time.Now().UnixNano())))
	routerTable.SelfRouterID = uint8(*flagSelfRouter)
	routerTable.Role = mle.RoleRouter

	var commissioner *meshcop.Commissioner
	if *flagCommission {
		if *flagLeaderALOC == "" {
			logrus.Fatal("-commissioner requires -leader-aloc")
		}
		endpoint := dtlsudp.New(dtlsudp.Config{Role: dtlsudp.RoleServer, Log: logger{}})
		commissioner = meshcop.NewCommissioner(agent, endpoint, clk, meshcop.Config{
			CommissionerID: *flagCommID,
			LeaderALOC:     *flagLeaderALOC,
			Log:            logger{},
		})
		if err := commissioner.Start(); err != nil {
			logrus.WithError(err).Fatal("failed to start commissioner petition")
		}
	}

	var mlrClient *mlr.Client
	if *flagMlrALOC != "" {
		mlrClient = mlr.NewClient(agent, clk, rand.New(rand.NewSource(time.Now().UnixNano())), mlr.Config{
			PrimaryBackboneServiceALOC: *flagMlrALOC,
			ReregistrationDelay:        3600,
			Log:                        logger{},
		})
	}

	go func() {
		logrus.Infof("listening for TMF traffic on %s", *flagListen)
		if err := sock.Serve(); err != nil {
			logrus.WithError(err).Error("TMF receive loop exited")
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			now := clk.NowMs()
			routerTable.Tick(1)
			if commissioner != nil {
				commissioner.Tick(now)
			}
		}
	}()

	if seq := store.KeySequence(); seq != 0 {
		logrus.Infof("resuming with persisted key sequence %d", seq)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logrus.Info("shutting down")
}
