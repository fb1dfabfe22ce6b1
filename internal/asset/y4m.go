package asset

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// y4mDecoder YUV4MPEG2 (4:2:0 或 mono) 解码器
type y4mDecoder struct {
	file      *os.File
	r         *bufio.Reader
	width     int
	height    int
	rateNum   int
	rateDen   int
	mono      bool
	fullRange bool
	img       *image.YCbCr
	index     int64
}

// OpenY4M 打开 .y4m 素材
func OpenY4M(path string) (Decoder, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	d := &y4mDecoder{
		file:    file,
		r:       bufio.NewReaderSize(file, 1<<20),
		rateNum: 30,
		rateDen: 1,
	}
	if err := d.parseHeader(); err != nil {
		file.Close()
		return nil, err
	}

	d.img = image.NewYCbCr(image.Rect(0, 0, d.width, d.height), image.YCbCrSubsampleRatio420)
	return d, nil
}

func (d *y4mDecoder) parseHeader() error {
	line, err := d.r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("%w: read y4m header: %v", ErrAssetInvalid, err)
	}

	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "YUV4MPEG2" {
		return fmt.Errorf("%w: missing YUV4MPEG2 signature", ErrAssetInvalid)
	}

	for _, field := range fields[1:] {
		tag, value := field[0], field[1:]
		switch tag {
		case 'W':
			d.width, err = strconv.Atoi(value)
		case 'H':
			d.height, err = strconv.Atoi(value)
		case 'F':
			d.rateNum, d.rateDen, err = parseRatio(value)
		case 'C':
			switch value {
			case "420", "420jpeg", "420paldv", "420mpeg2":
			case "mono":
				d.mono = true
			default:
				return fmt.Errorf("%w: unsupported y4m colorspace C%s", ErrAssetInvalid, value)
			}
		case 'X':
			if strings.EqualFold(value, "COLORRANGE=FULL") {
				d.fullRange = true
			}
		}
		if err != nil {
			return fmt.Errorf("%w: bad y4m header field %q: %v", ErrAssetInvalid, field, err)
		}
	}

	if d.width <= 0 || d.height <= 0 {
		return fmt.Errorf("%w: invalid y4m dimensions %dx%d", ErrAssetInvalid, d.width, d.height)
	}
	if d.rateNum <= 0 || d.rateDen <= 0 || d.rateNum > math.MaxInt32 {
		return fmt.Errorf("%w: invalid y4m frame rate %d:%d", ErrAssetInvalid, d.rateNum, d.rateDen)
	}
	return nil
}

func parseRatio(s string) (int, int, error) {
	num, den, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("expected n:d")
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, 0, err
	}
	m, err := strconv.Atoi(den)
	if err != nil {
		return 0, 0, err
	}
	return n, m, nil
}

// Next 读取下一帧，截断的尾帧视为流结束
func (d *y4mDecoder) Next() (*DecodedFrame, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read y4m frame header: %w", err)
	}
	if !strings.HasPrefix(line, "FRAME") {
		return nil, fmt.Errorf("%w: unexpected y4m frame marker at frame %d", ErrAssetInvalid, d.index)
	}

	planes := [][]byte{d.img.Y}
	if !d.mono {
		planes = append(planes, d.img.Cb, d.img.Cr)
	}
	for _, plane := range planes {
		if _, err := io.ReadFull(d.r, plane); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read y4m plane: %w", err)
		}
	}
	if d.mono {
		for i := range d.img.Cb {
			d.img.Cb[i] = 128
			d.img.Cr[i] = 128
		}
	}

	frame := &DecodedFrame{
		Image:     d.img,
		PTS:       media.Time{Value: d.index * int64(d.rateDen), Timescale: int32(d.rateNum)},
		Duration:  media.Time{Value: int64(d.rateDen), Timescale: int32(d.rateNum)},
		FullRange: d.fullRange,
	}
	d.index++
	return frame, nil
}

// Info 流信息
func (d *y4mDecoder) Info() StreamInfo {
	return StreamInfo{
		Codec:     "y4m",
		Width:     d.width,
		Height:    d.height,
		FrameRate: float64(d.rateNum) / float64(d.rateDen),
		Duration:  media.Time{Value: int64(d.rateDen), Timescale: int32(d.rateNum)},
		FullRange: d.fullRange,
	}
}

// Close 关闭文件
func (d *y4mDecoder) Close() error {
	return d.file.Close()
}
