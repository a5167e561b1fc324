// Package testcard draws synthetic frames in the uncompressed colourspaces.
package testcard

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"strings"

	"github.com/bilbercode/mediax-stream/internal/colourspace"
)

var ErrUnsupported = errors.New("unsupported colourspace")

type RGB struct {
	R, G, B uint8
}

var (
	Black   = RGB{0, 0, 0}
	White   = RGB{255, 255, 255}
	Red     = RGB{255, 0, 0}
	Green   = RGB{0, 255, 0}
	Blue    = RGB{0, 0, 255}
	Yellow  = RGB{255, 255, 0}
	Cyan    = RGB{0, 255, 255}
	Magenta = RGB{255, 0, 255}
)

// Card selects a pattern.
type Card int

const (
	ColourBars Card = iota
	EBUColourBars
	GreyScaleBars
	Quad
	Checkered
	SolidWhite
	SolidBlack
	SolidRed
	SolidGreen
	SolidBlue
	WhiteNoise
	BouncingBall
)

var cardNames = map[Card]string{
	ColourBars:    "bars",
	EBUColourBars: "ebu",
	GreyScaleBars: "greyscale",
	Quad:          "quad",
	Checkered:     "checkered",
	SolidWhite:    "white",
	SolidBlack:    "black",
	SolidRed:      "red",
	SolidGreen:    "green",
	SolidBlue:     "blue",
	WhiteNoise:    "noise",
	BouncingBall:  "ball",
}

func (c Card) String() string {
	if name, ok := cardNames[c]; ok {
		return name
	}
	return "unknown"
}

// Cards lists every pattern name accepted by Parse.
func Cards() []string {
	out := make([]string, 0, len(cardNames))
	for c := ColourBars; c <= BouncingBall; c++ {
		out = append(out, cardNames[c])
	}
	return out
}

func Parse(name string) (Card, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range cardNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown test card %q, expected one of %s", name, strings.Join(Cards(), ", "))
}

var (
	smpteBars = []RGB{Red, {255, 127, 0}, Yellow, Green, Cyan, Blue, {127, 0, 255}, Magenta}
	ebuBars   = []RGB{White, Yellow, Cyan, Green, Magenta, Red, Blue, Black}
)

// Canvas is a frame buffer in a raw colourspace. Patterns are drawn in RGB and
// packed into Data by Fill.
type Canvas struct {
	Width       int
	Height      int
	Colourspace colourspace.Type
	Data        []byte

	img *image.NRGBA
}

func NewCanvas(cs colourspace.Type, width, height int) (*Canvas, error) {
	if colourspace.Compressed(cs) || !cs.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, cs)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}
	if cs == colourspace.YUV422 && width%2 != 0 {
		return nil, fmt.Errorf("%w: %s needs an even width, got %d", ErrUnsupported, cs, width)
	}
	return &Canvas{
		Width:       width,
		Height:      height,
		Colourspace: cs,
		Data:        make([]byte, colourspace.FrameSize(cs, width, height)),
		img:         image.NewNRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// Image is the RGB rendition of the last drawn frame.
func (c *Canvas) Image() *image.NRGBA {
	return c.img
}

// Fill paints the whole canvas with f(x, y) and packs it into Data.
func (c *Canvas) Fill(f func(x, y int) RGB) {
	for y := 0; y < c.Height; y++ {
		for x := 0; x < c.Width; x++ {
			rgb := f(x, y)
			c.img.SetNRGBA(x, y, color.NRGBA{R: rgb.R, G: rgb.G, B: rgb.B, A: 0xff})
		}
	}
	// sizes are checked by NewCanvas
	_ = colourspace.Encode(c.Data, c.img, c.Colourspace)
}

func (c *Canvas) bars(colours []RGB) {
	c.Fill(func(x, _ int) RGB {
		i := x * len(colours) / c.Width
		return colours[i]
	})
}

// Draw paints a static card. BouncingBall draws its first position.
func (c *Canvas) Draw(card Card, seed int64) error {
	switch card {
	case ColourBars:
		c.bars(smpteBars)
	case EBUColourBars:
		c.bars(ebuBars)
	case GreyScaleBars:
		grey := make([]RGB, 8)
		for i := range grey {
			v := uint8(i * 32)
			grey[i] = RGB{v, v, v}
		}
		c.bars(grey)
	case Quad:
		c.Fill(func(x, y int) RGB {
			left, top := x < c.Width/2, y < c.Height/2
			switch {
			case left && top:
				return Black
			case top:
				return Red
			case left:
				return Green
			}
			return Blue
		})
	case Checkered:
		c.Fill(func(x, y int) RGB {
			if (x/8+y/8)%2 == 0 {
				return White
			}
			return Black
		})
	case SolidWhite:
		c.Fill(func(int, int) RGB { return White })
	case SolidBlack:
		c.Fill(func(int, int) RGB { return Black })
	case SolidRed:
		c.Fill(func(int, int) RGB { return Red })
	case SolidGreen:
		c.Fill(func(int, int) RGB { return Green })
	case SolidBlue:
		c.Fill(func(int, int) RGB { return Blue })
	case WhiteNoise:
		rnd := rand.New(rand.NewSource(seed))
		c.Fill(func(int, int) RGB {
			if rnd.Intn(2) == 0 {
				return Black
			}
			return White
		})
	case BouncingBall:
		NewBall(c.Width, c.Height).Draw(c)
	default:
		return fmt.Errorf("unknown test card %d", card)
	}
	return nil
}

// Generate returns a new frame holding card.
func Generate(card Card, cs colourspace.Type, width, height int) ([]byte, error) {
	c, err := NewCanvas(cs, width, height)
	if err != nil {
		return nil, err
	}
	if err := c.Draw(card, 1); err != nil {
		return nil, err
	}
	return c.Data, nil
}
