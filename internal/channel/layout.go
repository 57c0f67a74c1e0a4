package channel

import (
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/song"
)

// 共有バッファのバイトレイアウト。
//
//	0    operation u32
//	4    status    u32
//	8    payload (操作ごとに以下のいずれか)
//
//	login:      name[16] pin[64] uid u32 logged_in u8
//	share:      target[16] header
//	play/digital/query_song:
//	            wav_size u32 header filedata...
//	query:      region_count u32 user_count u32 regions[32][64] users[64][16]
//
// query_songの結果はヘッダーの直後に書き込む。
//
//	region_count u32 regions[32][64] owner[16] shared_count u32 shared[64][16]
const (
	opOffset      = 0
	statusOffset  = 4
	PayloadOffset = 8

	loginNameOffset  = PayloadOffset
	loginPINOffset   = loginNameOffset + model.NameSize
	loginUIDOffset   = loginPINOffset + model.PINSize
	loginFlagOffset  = loginUIDOffset + 4
	loginPayloadSize = loginFlagOffset + 1 - PayloadOffset

	shareTargetOffset = PayloadOffset
	shareHeaderOffset = shareTargetOffset + model.NameSize

	songWavSizeOffset = PayloadOffset
	songHeaderOffset  = songWavSizeOffset + 4
	// SongDataOffset は暗号化セグメント列（filedata）の開始位置。
	SongDataOffset = songHeaderOffset + song.HeaderSize

	// MaxQueryUsers はQUERYで返すユーザー名の上限。
	MaxQueryUsers = 64

	queryRegionCountOffset = PayloadOffset
	queryUserCountOffset   = queryRegionCountOffset + 4
	queryRegionsOffset     = queryUserCountOffset + 4
	queryUsersOffset       = queryRegionsOffset + song.MaxRegions*model.RegionNameSize
	queryEnd               = queryUsersOffset + MaxQueryUsers*model.NameSize

	qsRegionCountOffset = SongDataOffset
	qsRegionsOffset     = qsRegionCountOffset + 4
	qsOwnerOffset       = qsRegionsOffset + song.MaxRegions*model.RegionNameSize
	qsSharedCountOffset = qsOwnerOffset + model.NameSize
	qsSharedOffset      = qsSharedCountOffset + 4
	qsEnd               = qsSharedOffset + song.MaxSharedUsers*model.NameSize

	// MinBufferSize は全ての固定長ペイロードを収められる最小サイズ。
	MinBufferSize = 8192

	// DefaultBufferSize は楽曲ファイルを収める既定サイズ。
	DefaultBufferSize = 32 << 20
)

// レイアウトがMinBufferSizeに収まらない場合はコンパイルエラーになる。
var (
	_ [MinBufferSize - qsEnd]struct{}
	_ [MinBufferSize - queryEnd]struct{}
)
