package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bilbercode/mediax-stream/internal/colourspace"
	"github.com/bilbercode/mediax-stream/internal/multicast"
	"github.com/bilbercode/mediax-stream/internal/rtp"
	"github.com/bilbercode/mediax-stream/internal/rtsp"
	"github.com/bilbercode/mediax-stream/internal/sap"
	"github.com/bilbercode/mediax-stream/internal/stream"
	"github.com/bilbercode/mediax-stream/internal/testcard"
)

func cmdInterfaces(cmd *cli.Cmd) {
	cmd.Action = func() {
		ifaces, err := multicast.Interfaces()
		if err != nil {
			log.WithError(err).Fatal("failed to list interfaces")
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tNAME\tADDRESS")
		for _, i := range ifaces {
			fmt.Fprintf(w, "%d\t%s\t%s\n", i.Index, i.Name, i.Address)
		}
		_ = w.Flush()
	}
}

// streamFlags declares the options describing an outgoing stream.
func streamFlags(cmd *cli.Cmd) func() (stream.Description, error) {
	name := cmd.StringArg("NAME", "", "session name")
	dest := cmd.String(cli.StringOpt{
		Name:   "dest",
		Desc:   "RTP destination address",
		EnvVar: "STREAM_DEST",
		Value:  "239.192.1.1",
	})
	port := cmd.Int(cli.IntOpt{
		Name:   "port",
		Desc:   "RTP destination port, RTCP uses the next port",
		EnvVar: "STREAM_PORT",
		Value:  5004,
	})
	width := cmd.Int(cli.IntOpt{Name: "width", Desc: "frame width", Value: 1280})
	height := cmd.Int(cli.IntOpt{Name: "height", Desc: "frame height", Value: 720})
	framerate := cmd.Int(cli.IntOpt{Name: "framerate", Desc: "frames per second", Value: 25})
	cs := cmd.String(cli.StringOpt{
		Name:  "colourspace",
		Desc:  "RGB24, RGBA, YUV422, MONO8, MONO16, H264, JPEG2000 ...",
		Value: colourspace.YUV422.String(),
	})

	return func() (stream.Description, error) {
		d := stream.Description{
			SessionName: *name,
			Destination: *dest,
			Port:        *port,
			Width:       *width,
			Height:      *height,
			Framerate:   *framerate,
			Colourspace: colourspace.Parse(*cs),
		}
		return d, d.Validate()
	}
}

// newAnnouncer builds an announcer bound to the configured interface.
func newAnnouncer(config sap.Config) (*sap.Announcer, error) {
	a := sap.NewAnnouncer(config)
	if config.Interface == "" {
		return a, nil
	}
	ifaces, err := a.ListInterfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, i := range ifaces {
		if i.Name == config.Interface {
			return a, a.SetSourceInterface(i.Index)
		}
	}
	return nil, fmt.Errorf("%w: %s", sap.ErrUnknownInterface, config.Interface)
}

func cmdAnnounce(cmd *cli.Cmd, sapConfig func() sap.Config) {
	description := streamFlags(cmd)

	cmd.Action = func() {
		run(func(ctx context.Context) error {
			d, err := description()
			if err != nil {
				return err
			}
			announcer, err := newAnnouncer(sapConfig())
			if err != nil {
				return err
			}
			key, err := announcer.AddAnnouncement(d)
			if err != nil {
				return fmt.Errorf("failed to add announcement: %w", err)
			}
			if err := announcer.Start(); err != nil {
				return err
			}
			log.WithField("key", key.String()).Infof("announcing %s", d.SessionName)

			<-ctx.Done()
			return announcer.Stop()
		})
	}
}

func cmdListen(cmd *cli.Cmd, sapConfig func() sap.Config) {
	filter := cmd.String(cli.StringOpt{
		Name:  "filter",
		Desc:  "only report sessions with this name",
		Value: "",
	})

	cmd.Action = func() {
		run(func(ctx context.Context) error {
			listener := sap.NewListener(sapConfig())
			unregister := listener.RegisterCallback(*filter, func(e sap.Event) {
				d := e.Description
				log.WithFields(log.Fields{
					"event":       e.Type.String(),
					"key":         d.Key().String(),
					"destination": fmt.Sprintf("%s:%d", d.Destination, d.Port),
					"format":      fmt.Sprintf("%dx%d@%d %s", d.Width, d.Height, d.Framerate, d.Colourspace),
				}).Info(d.SessionName)
			})
			defer unregister()

			if err := listener.Start(); err != nil {
				return err
			}
			<-ctx.Done()
			return listener.Stop()
		})
	}
}

func cmdTransmit(cmd *cli.Cmd, sapConfig func() sap.Config, iface *string) {
	description := streamFlags(cmd)
	card := cmd.String(cli.StringOpt{
		Name:  "card",
		Desc:  "test card to send",
		Value: testcard.ColourBars.String(),
	})
	maxPayload := cmd.Int(cli.IntOpt{
		Name:  "max-payload",
		Desc:  "largest RTP payload in bytes",
		Value: rtp.DefaultMaxPayload,
	})
	rtspAddr := cmd.String(cli.StringOpt{
		Name:   "rtsp.addr",
		Desc:   "also describe the stream over RTSP on this address, empty to disable",
		EnvVar: "RTSP_ADDR",
		Value:  "",
	})

	cmd.Action = func() {
		run(func(ctx context.Context) error {
			d, err := description()
			if err != nil {
				return err
			}
			c, err := testcard.Parse(*card)
			if err != nil {
				return err
			}
			canvas, err := testcard.NewCanvas(d.Colourspace, d.Width, d.Height)
			if err != nil {
				return fmt.Errorf("failed to create test card: %w", err)
			}
			if err := canvas.Draw(c, time.Now().UnixNano()); err != nil {
				return err
			}

			announcer, err := newAnnouncer(sapConfig())
			if err != nil {
				return err
			}
			key, err := announcer.AddAnnouncement(d)
			if err != nil {
				return fmt.Errorf("failed to add announcement: %w", err)
			}
			d, _ = announcer.Announcement(key)

			options := rtp.DefaultOptions()
			options.MaxPayload = *maxPayload
			options.Interface = *iface
			payloader := rtp.NewPayloader(options)
			if err := payloader.SetStreamInfo(d); err != nil {
				return err
			}
			if err := payloader.Open(); err != nil {
				return err
			}
			if err := announcer.Start(); err != nil {
				_ = payloader.Close()
				return err
			}

			group, ctx := errgroup.WithContext(ctx)
			if *rtspAddr != "" {
				server := rtsp.NewServer(rtsp.DefaultBasePath, announcer)
				group.Go(func() error {
					return server.Start(ctx, *rtspAddr)
				})
			}
			group.Go(func() error {
				return sendTestCard(ctx, payloader, canvas, c, d)
			})

			err = group.Wait()
			return errors.Join(err, payloader.Close(), announcer.Stop())
		})
	}
}

func sendTestCard(ctx context.Context, payloader *rtp.Payloader, canvas *testcard.Canvas, card testcard.Card, d stream.Description) error {
	log.WithFields(log.Fields{
		"destination": fmt.Sprintf("%s:%d", d.Destination, d.Port),
		"ssrc":        payloader.SSRC(),
		"card":        card.String(),
	}).Infof("transmitting %s", d.SessionName)

	var ball *testcard.Ball
	if card == testcard.BouncingBall {
		ball = testcard.NewBall(d.Width, d.Height)
	}

	ticker := time.NewTicker(time.Second / time.Duration(d.Framerate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if ball != nil {
			ball.Step()
			ball.Draw(canvas)
		}
		err := payloader.Transmit(canvas.Data, false)
		switch {
		case errors.Is(err, rtp.ErrBackpressure):
			log.Debug("dropping frame, send queue full")
		case err != nil:
			return fmt.Errorf("failed to transmit frame: %w", err)
		}
	}
}

func cmdReceive(cmd *cli.Cmd, sapConfig func() sap.Config, iface *string) {
	cmd.Spec = "[OPTIONS] [NAME]"
	name := cmd.StringArg("NAME", "", "session name, ignored with --rtsp")
	rtspURL := cmd.String(cli.StringOpt{
		Name:   "rtsp",
		Desc:   "fetch the session description from this rtsp:// url instead of SAP",
		EnvVar: "RTSP_URL",
		Value:  "",
	})
	output := cmd.String(cli.StringOpt{
		Name:  "output",
		Desc:  "append received frames to this file, - for stdout",
		Value: "",
	})
	format := cmd.String(cli.StringOpt{
		Name:  "format",
		Desc:  "convert raw frames to this colourspace before writing",
		Value: "",
	})
	size := cmd.String(cli.StringOpt{
		Name:  "size",
		Desc:  "scale raw frames to WIDTHxHEIGHT before writing",
		Value: "",
	})

	cmd.Action = func() {
		run(func(ctx context.Context) error {
			var (
				d   stream.Description
				err error
			)
			out, err := newFrameWriter(*output, *format, *size)
			if err != nil {
				return err
			}
			defer out.Close()

			if *rtspURL != "" {
				d, err = rtsp.Describe(ctx, *rtspURL)
			} else {
				d, err = discover(ctx, sapConfig(), *name)
			}
			if err != nil {
				return err
			}

			options := rtp.DefaultOptions()
			options.Interface = *iface
			depayloader := rtp.NewDepayloader(options)
			if err := depayloader.SetStreamInfo(d); err != nil {
				return err
			}
			if err := depayloader.Open(); err != nil {
				return err
			}
			if err := depayloader.Start(); err != nil {
				return err
			}
			defer depayloader.Stop()

			log.WithField("destination", fmt.Sprintf("%s:%d", d.Destination, d.Port)).
				Infof("receiving %s", d.SessionName)

			received := 0
			last := time.Now()
			for {
				frame, err := depayloader.Receive(ctx)
				if err != nil {
					return err
				}
				received++
				log.WithFields(log.Fields{
					"timestamp": frame.Timestamp,
					"bytes":     len(frame.Data),
				}).Debug("frame")
				if err := out.Write(frame); err != nil {
					return err
				}
				if since := time.Since(last); since >= time.Second {
					log.Infof("%s: %.1f fps", d.SessionName, float64(received)/since.Seconds())
					received = 0
					last = time.Now()
				}
			}
		})
	}
}

// frameWriter renders received frames to a file, converting and scaling raw
// video on the way. Compressed frames are written as received.
type frameWriter struct {
	w             io.WriteCloser
	format        colourspace.Type
	width, height int
}

func newFrameWriter(path, format, size string) (*frameWriter, error) {
	fw := &frameWriter{}
	if format != "" {
		if fw.format = colourspace.Parse(format); fw.format == colourspace.Undefined || colourspace.Compressed(fw.format) {
			return nil, fmt.Errorf("%w: %s", colourspace.ErrUnsupportedConversion, format)
		}
	}
	if size != "" {
		if _, err := fmt.Sscanf(size, "%dx%d", &fw.width, &fw.height); err != nil || fw.width <= 0 || fw.height <= 0 {
			return nil, fmt.Errorf("invalid size %q, expected WIDTHxHEIGHT", size)
		}
	}
	switch path {
	case "":
	case "-":
		fw.w = nopCloser{os.Stdout}
	default:
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create output: %w", err)
		}
		fw.w = f
	}
	return fw, nil
}

func (fw *frameWriter) Write(f rtp.Frame) error {
	if fw.w == nil {
		return nil
	}
	data, err := fw.render(f)
	if err != nil {
		return err
	}
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (fw *frameWriter) render(f rtp.Frame) ([]byte, error) {
	if colourspace.Compressed(f.Colourspace) {
		return f.Data, nil
	}
	data, width, height := f.Data, f.Width, f.Height
	var err error
	if fw.width > 0 && (fw.width != width || fw.height != height) {
		if data, err = colourspace.Scale(data, f.Colourspace, width, height, fw.width, fw.height); err != nil {
			return nil, err
		}
		width, height = fw.width, fw.height
	}
	if fw.format != colourspace.Undefined && fw.format != f.Colourspace {
		if data, err = colourspace.Convert(data, f.Colourspace, fw.format, width, height); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (fw *frameWriter) Close() error {
	if fw.w == nil {
		return nil
	}
	return fw.w.Close()
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// discover waits for name to be announced.
func discover(ctx context.Context, config sap.Config, name string) (stream.Description, error) {
	if name == "" {
		return stream.Description{}, errors.New("a session name or --rtsp url is required")
	}
	listener := sap.NewListener(config)
	found := make(chan stream.Description, 1)
	unregister := listener.RegisterCallback(name, func(e sap.Event) {
		if e.Type == sap.Deleted {
			return
		}
		select {
		case found <- e.Description:
		default:
		}
	})
	defer unregister()

	if err := listener.Start(); err != nil {
		return stream.Description{}, err
	}
	defer listener.Stop()

	log.Infof("waiting for %s to be announced", name)
	select {
	case <-ctx.Done():
		return stream.Description{}, ctx.Err()
	case d := <-found:
		return d, nil
	}
}

func cmdServe(cmd *cli.Cmd, sapConfig func() sap.Config) {
	addr := cmd.String(cli.StringOpt{
		Name:   "rtsp.addr",
		Desc:   "RTSP listen address",
		EnvVar: "RTSP_ADDR",
		Value:  rtsp.DefaultAddr,
	})
	basepath := cmd.String(cli.StringOpt{
		Name:   "rtsp.path",
		Desc:   "path prefix for stream URLs",
		EnvVar: "RTSP_PATH",
		Value:  rtsp.DefaultBasePath,
	})

	cmd.Action = func() {
		run(func(ctx context.Context) error {
			listener := sap.NewListener(sapConfig())
			unregister := listener.RegisterCallback("", func(e sap.Event) {
				log.WithField("event", e.Type.String()).Infof("session %s", e.Description.SessionName)
			})
			defer unregister()

			if err := listener.Start(); err != nil {
				return err
			}
			server := rtsp.NewServer(*basepath, listener)
			err := server.Start(ctx, *addr)
			return errors.Join(err, listener.Stop())
		})
	}
}
