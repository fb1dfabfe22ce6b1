package media

// 彩条颜色 (B, G, R)
var barColors = [][3]uint8{
	{235, 235, 235},
	{16, 235, 235},
	{235, 235, 16},
	{16, 235, 16},
	{235, 16, 235},
	{16, 16, 235},
	{235, 16, 16},
	{16, 16, 16},
}

// PatternGenerator 生成滚动彩条测试图案，仅用于调试诊断
type PatternGenerator struct {
	pool   *BufferPool
	width  int
	height int
	frame  int
}

// NewPatternGenerator 创建测试图案生成器
func NewPatternGenerator(pool *BufferPool, width, height int) *PatternGenerator {
	return &PatternGenerator{pool: pool, width: width, height: height}
}

// Next 生成下一帧，format 为目标候选格式
func (g *PatternGenerator) Next(format PixelFormat) (*RawFrame, error) {
	bgra, err := NewRawFrame(g.pool, PixelFormatBGRA, g.width, g.height)
	if err != nil {
		return nil, err
	}
	offset := g.frame * 4
	g.frame++

	p := &bgra.Planes[0]
	barWidth := max(g.width/len(barColors), 1)
	for y := 0; y < g.height; y++ {
		row := p.Data[y*p.Stride:]
		for x := 0; x < g.width; x++ {
			c := barColors[((x+offset)/barWidth)%len(barColors)]
			o := x * 4
			row[o], row[o+1], row[o+2], row[o+3] = c[0], c[1], c[2], 0xff
		}
	}

	if format == PixelFormatBGRA {
		return bgra, nil
	}
	defer bgra.Release()

	out, err := NewRawFrame(g.pool, ResolveTarget(format), g.width, g.height)
	if err != nil {
		return nil, err
	}
	if err := Convert(out, bgra); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// Count 已生成的帧数
func (g *PatternGenerator) Count() int {
	return g.frame
}

// Width 图案宽度
func (g *PatternGenerator) Width() int {
	return g.width
}

// Height 图案高度
func (g *PatternGenerator) Height() int {
	return g.height
}
