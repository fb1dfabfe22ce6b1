package asset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"golang.org/x/image/vp8"

	"github.com/open-beagle/bdwind-vcam/internal/media"
)

// ivfDecoder IVF 容器中的 VP8 流
// 只解码关键帧，非关键帧重复上一个关键帧的画面
type ivfDecoder struct {
	file    *os.File
	reader  *ivfreader.IVFReader
	header  *ivfreader.IVFFileHeader
	vp8     *vp8.Decoder
	last    *image.YCbCr
	tickNum int64
	tickDen int32
}

// OpenIVF 打开 .ivf 素材
func OpenIVF(path string) (Decoder, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrAssetInvalid, err)
	}
	if header.FourCC != "VP80" {
		file.Close()
		return nil, fmt.Errorf("%w: unsupported ivf codec %q", ErrAssetInvalid, header.FourCC)
	}
	if header.TimebaseDenominator == 0 || header.TimebaseNumerator == 0 ||
		header.TimebaseDenominator > math.MaxInt32 {
		file.Close()
		return nil, fmt.Errorf("%w: invalid ivf timebase %d/%d", ErrAssetInvalid,
			header.TimebaseNumerator, header.TimebaseDenominator)
	}

	return &ivfDecoder{
		file:    file,
		reader:  reader,
		header:  header,
		vp8:     vp8.NewDecoder(),
		tickNum: int64(header.TimebaseNumerator),
		tickDen: int32(header.TimebaseDenominator),
	}, nil
}

// Next 读取下一帧，开头的非关键帧被跳过
func (d *ivfDecoder) Next() (*DecodedFrame, error) {
	for {
		payload, fh, err := d.reader.ParseNextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read ivf frame: %w", err)
		}

		d.vp8.Init(bytes.NewReader(payload), len(payload))
		vh, err := d.vp8.DecodeFrameHeader()
		if err != nil {
			return nil, fmt.Errorf("vp8 frame header: %w", err)
		}
		if vh.KeyFrame {
			img, err := d.vp8.DecodeFrame()
			if err != nil {
				return nil, fmt.Errorf("vp8 decode: %w", err)
			}
			d.last = cloneYCbCr(img, d.last)
		}
		if d.last == nil {
			continue
		}

		return &DecodedFrame{
			Image:    d.last,
			PTS:      media.Time{Value: int64(fh.Timestamp) * d.tickNum, Timescale: d.tickDen},
			Duration: media.Time{Value: d.tickNum, Timescale: d.tickDen},
		}, nil
	}
}

// Info 流信息
func (d *ivfDecoder) Info() StreamInfo {
	return StreamInfo{
		Codec:     "vp8",
		Width:     int(d.header.Width),
		Height:    int(d.header.Height),
		FrameRate: float64(d.tickDen) / float64(d.tickNum),
		Duration:  media.Time{Value: d.tickNum, Timescale: d.tickDen},
	}
}

// Close 关闭文件
func (d *ivfDecoder) Close() error {
	return d.file.Close()
}
