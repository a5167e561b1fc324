package testcard

const ballSize = 50

// Ball is a square bouncing off the frame edges, advanced once per frame.
type Ball struct {
	width, height int
	x, y          int
	vx, vy        int
}

func NewBall(width, height int) *Ball {
	return &Ball{width: width, height: height, x: width / 2, y: height / 2, vx: 5, vy: 5}
}

// Step moves the ball one frame.
func (b *Ball) Step() {
	b.x += b.vx
	b.y += b.vy
	if b.x < 0 || b.x > b.width-ballSize {
		b.vx = -b.vx
		b.x += 2 * b.vx
	}
	if b.y < 0 || b.y > b.height-ballSize {
		b.vy = -b.vy
		b.y += 2 * b.vy
	}
}

// Position is the top-left corner of the ball.
func (b *Ball) Position() (x, y int) {
	return b.x, b.y
}

// Draw paints the ball in white over a black background.
func (b *Ball) Draw(c *Canvas) {
	c.Fill(func(x, y int) RGB {
		if x >= b.x && x < b.x+ballSize && y >= b.y && y < b.y+ballSize {
			return White
		}
		return Black
	})
}
