//go:build linux

package nic

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
)

// xdpPass is the XDP_PASS action, used as the redirect fallback so queues
// without a registered socket keep feeding the kernel stack.
const xdpPass = 2

// rxQueueIndexOff is the offset of rx_queue_index in struct xdp_md
// (five u32 fields: data, data_end, data_meta, ingress_ifindex,
// rx_queue_index).
const rxQueueIndexOff = 16

// xdpObjects owns the per-port redirect program, its socket map and the
// attachment link.
type xdpObjects struct {
	xsks *ebpf.Map
	prog *ebpf.Program
	link link.Link
}

// attachRedirect assembles and attaches the XDP program that steers every
// packet arriving on a registered queue into its AF_XDP socket:
//
//	return bpf_redirect_map(xsks_map, ctx->rx_queue_index, XDP_PASS);
//
// The program is built from instructions at runtime, so no compiled BPF
// object ships with the binary. Driver mode is requested when zero-copy is
// preferred.
func attachRedirect(ifindex int, maxQueues uint32, driverMode bool) (*xdpObjects, error) {
	xsks, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: maxQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name: "xsk_redirect",
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			asm.LoadMem(asm.R2, asm.R1, rxQueueIndexOff, asm.Word),
			asm.LoadMapPtr(asm.R1, xsks.FD()),
			asm.Mov.Imm(asm.R3, xdpPass),
			asm.FnRedirectMap.Call(),
			asm.Return(),
		},
		License: "LGPL-2.1 OR BSD-2-Clause",
	})
	if err != nil {
		xsks.Close()
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}

	opts := link.XDPOptions{
		Program:   prog,
		Interface: ifindex,
	}
	if driverMode {
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil && driverMode {
		// Generic-mode fallback when the driver refuses native XDP.
		opts.Flags = 0
		l, err = link.AttachXDP(opts)
	}
	if err != nil {
		prog.Close()
		xsks.Close()
		return nil, fmt.Errorf("attaching XDP program: %w", err)
	}

	return &xdpObjects{xsks: xsks, prog: prog, link: l}, nil
}

// register points the redirect map's entry for queue at the socket fd.
func (o *xdpObjects) register(fd int, queue uint32) error {
	return o.xsks.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func (o *xdpObjects) Close() error {
	var errs []error
	if o.link != nil {
		if err := o.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		o.link = nil
	}
	if o.prog != nil {
		if err := o.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		o.prog = nil
	}
	if o.xsks != nil {
		if err := o.xsks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing xsks map: %w", err))
		}
		o.xsks = nil
	}
	return errors.Join(errs...)
}
