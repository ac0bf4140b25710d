// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tether/lib/invite"
	"github.com/bureau-foundation/tether/lib/pairing"
	"github.com/bureau-foundation/tether/tunnel"
)

func runInvite(args []string, stdout io.Writer) error {
	var local, remote, qrPath string
	var qrSize int
	flagSet := pflag.NewFlagSet("tether-peer invite", pflag.ContinueOnError)
	flagSet.StringVar(&local, "local", "", "local identity")
	flagSet.StringVar(&remote, "remote", "", "remote identity")
	flagSet.StringVar(&qrPath, "qr", "", "also write the code as a QR PNG to this file")
	flagSet.IntVar(&qrSize, "qr-size", 256, "QR image width and height in pixels")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	resolved, err := pairing.Resolve(local, remote)
	if err != nil {
		return err
	}
	if resolved.Role != pairing.Initiator {
		return fmt.Errorf("%s is the responder of this pair; run invite on %s", local, remote)
	}

	keys, err := tunnel.GenerateEphemeral(rand.Reader)
	if err != nil {
		return err
	}
	defer keys.Destroy()
	offer, err := invite.NewOffer(resolved, tunnel.Init{PublicKey: keys.PublicKey}, "")
	if err != nil {
		return err
	}
	code, err := invite.Encode(offer)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, code)

	if qrPath != "" {
		png, err := invite.QRCode(offer, qrSize)
		if err != nil {
			return err
		}
		if err := os.WriteFile(qrPath, png, 0o644); err != nil {
			return fmt.Errorf("writing QR code: %w", err)
		}
	}
	return nil
}

func runDecode(args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: tether-peer decode CODE")
	}
	offer, err := invite.Decode(args[0])
	if err != nil {
		return err
	}
	fingerprint, err := offer.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "version:     %d\n", offer.Version)
	fmt.Fprintf(stdout, "from:        %s\n", offer.From)
	fmt.Fprintf(stdout, "fingerprint: %s\n", fingerprint)
	if offer.SDP != "" {
		fmt.Fprintf(stdout, "sdp:         %d bytes\n", len(offer.SDP))
	}
	return nil
}
