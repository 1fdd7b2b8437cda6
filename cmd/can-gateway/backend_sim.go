package main

import (
	"log/slog"

	"github.com/kstaniek/go-can-common/internal/can"
	"github.com/kstaniek/go-can-common/internal/controller"
	"github.com/kstaniek/go-can-common/internal/sim"
)

// echoOffset is added to the identifier of every frame the sim responder
// answers, like a diagnostic request/response pair (0x7E0 -> 0x7E8).
const echoOffset = 8

// initSimBackend puts the gateway on an in-memory bus shared with one
// responder node that answers every frame it sees. It needs no hardware.
func initSimBackend(cfg *appConfig, l *slog.Logger) (controller.Driver, func(), error) {
	fd := cfg.fdBitrate != 0
	bus := sim.NewBus()
	gw := bus.Attach(sim.Options{Name: "gateway", FD: fd, RxQueue: rxQueueSize})

	peer := bus.Attach(sim.Options{Name: "responder", FD: fd})
	resp := controller.New(peer, controller.WithName("responder"), controller.WithLogger(l))
	var err error
	if fd {
		err = resp.BeginFD(uint32(cfg.bitrate), uint32(cfg.fdBitrate))
	} else {
		err = resp.BeginBaud(uint32(cfg.bitrate))
	}
	if err != nil {
		return nil, func() {}, err
	}
	if _, err := resp.WatchFor(); err != nil {
		return nil, func() {}, err
	}
	resp.SetGeneralCallback(func(f *can.Frame) {
		mask := uint32(can.CAN_SFF_MASK)
		if f.Extended {
			mask = can.CAN_EFF_MASK
		}
		out := *f
		out.ID = (f.ID + echoOffset) & mask
		resp.SendFrame(&out)
	})
	l.Info("sim_bus_ready", "nodes", bus.Nodes(), "fd", fd)
	return gw, func() { bus.Detach(peer); bus.Detach(gw) }, nil
}
