package song

import (
	"encoding/binary"
	"fmt"
)

// AudioFormatPCM はWAVのリニアPCMを表すフォーマットコード。
const AudioFormatPCM = 1

// WavHeader は44バイトの標準RIFF/WAVEヘッダー。
type WavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	DataSize      uint32
}

// NewWavHeader はPCMフォーマットのヘッダーを生成する。
func NewWavHeader(sampleRate uint32, channels, bitsPerSample uint16, dataSize uint32) WavHeader {
	blockAlign := channels * bitsPerSample / 8
	return WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   AudioFormatPCM,
		Channels:      channels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
}

// Encode はWAVヘッダーを44バイトに変換する。
func (w WavHeader) Encode() []byte {
	b := make([]byte, WavHeaderSize)
	if _, err := binary.Encode(b, binary.LittleEndian, &w); err != nil {
		panic(err)
	}
	return b
}

// WithDataSize はデータ長を差し替えたヘッダーを返す。エクスポート時のWAV再構成に使う。
func (w WavHeader) WithDataSize(n uint32) WavHeader {
	w.DataSize = n
	w.ChunkSize = 36 + n
	return w
}

// ParseWAV はRIFF/WAVEファイルからフォーマット情報とPCMデータを取り出す。
// fmt/data以外のチャンクは読み飛ばす。
func ParseWAV(data []byte) (WavHeader, []byte, error) {
	var (
		hdr     WavHeader
		pcm     []byte
		gotFmt  bool
		gotData bool
	)
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return hdr, nil, fmt.Errorf("unsupported container (want RIFF/WAVE)")
	}

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		offset += 8
		if chunkSize < 0 || offset+chunkSize > len(data) {
			return hdr, nil, fmt.Errorf("invalid chunk size for %q", chunkID)
		}
		chunk := data[offset : offset+chunkSize]

		switch chunkID {
		case "fmt ":
			if len(chunk) < 16 {
				return hdr, nil, fmt.Errorf("wav fmt chunk too short")
			}
			hdr.AudioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			hdr.Channels = binary.LittleEndian.Uint16(chunk[2:4])
			hdr.SampleRate = binary.LittleEndian.Uint32(chunk[4:8])
			hdr.BitsPerSample = binary.LittleEndian.Uint16(chunk[14:16])
			gotFmt = true
		case "data":
			pcm = chunk
			gotData = true
		}

		offset += chunkSize
		if chunkSize%2 == 1 {
			offset++
		}
	}

	if !gotFmt || !gotData {
		return hdr, nil, fmt.Errorf("wav missing fmt or data chunk")
	}
	if hdr.AudioFormat != AudioFormatPCM {
		return hdr, nil, fmt.Errorf("unsupported wav format %d (want PCM)", hdr.AudioFormat)
	}
	if hdr.Channels == 0 || hdr.BitsPerSample == 0 || hdr.SampleRate == 0 {
		return hdr, nil, fmt.Errorf("invalid wav format parameters")
	}

	return NewWavHeader(hdr.SampleRate, hdr.Channels, hdr.BitsPerSample, uint32(len(pcm))), pcm, nil
}
