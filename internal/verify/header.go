// Package verify は楽曲ヘッダーとセグメントの認証を行う。
// 共有メモリ上のバイト列は必ず私有メモリへコピーしてから検証する。
package verify

import (
	"errors"
	"log/slog"

	"github.com/hitoshi/audiodrm/internal/metrics"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/security"
	"github.com/hitoshi/audiodrm/internal/session"
	"github.com/hitoshi/audiodrm/internal/song"
)

// Outcome はヘッダー検証の結果。
type Outcome int

const (
	Owner Outcome = iota
	Shared
	BadRegion
	BadUser
	BadSignature
)

func (o Outcome) String() string {
	switch o {
	case Owner:
		return "owner"
	case Shared:
		return "shared"
	case BadRegion:
		return "bad_region"
	case BadUser:
		return "bad_user"
	case BadSignature:
		return "bad_signature"
	}
	return "unknown"
}

// Authorized はフル再生が許可される結果かを返す。
func (o Outcome) Authorized() bool {
	return o == Owner || o == Shared
}

// Err は結果に対応する分類用エラーを返す。Owner/Sharedではnil。
func (o Outcome) Err() error {
	switch o {
	case BadRegion:
		return model.ErrBadRegion
	case BadUser:
		return model.ErrBadUser
	case BadSignature:
		return model.ErrBadSignature
	case Owner, Shared:
		return nil
	}
	return errors.New("unknown header outcome")
}

// Store は検証に必要なプロビジョニング情報。
type Store interface {
	ModuleKey() []byte
	User(id model.UserID) (model.User, bool)
	LookupName(name model.Name) (model.UserID, bool)
	IsProvisioned(id model.RegionID) bool
	RegionName(id model.RegionID) string
}

// TamperFunc は署名検証の失敗時に呼ばれる改ざん応答。
// 実機ではリセット等を行う。ここでは呼び出し側が動作を差し込む。
type TamperFunc func(reason string)

// Validator はヘッダーを検証し、アクセス判定を行う。
type Validator struct {
	store   Store
	tamper  TamperFunc
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewValidator はValidatorを生成する。tamperがnilの場合は何もしない。
func NewValidator(store Store, tamper TamperFunc, logger *slog.Logger, mc metrics.MetricsCollector) *Validator {
	if tamper == nil {
		tamper = func(string) {}
	}
	return &Validator{store: store, tamper: tamper, logger: logger, metrics: mc}
}

// LoadHeader はrawを私有メモリへコピーして検証し、セッションに楽曲をロードする。
//
// 手順（いずれかで確定した時点で終了する）:
//  1. module_signatureをモジュール鍵で検証。失敗はBadSignature（コピーを消去）
//  2. 地域リストに登録済み地域があるか。なければBadRegion
//  3. 所有者の解決。未登録ならBadUser
//  4. owner_signatureを所有者の検証子で検証。失敗はBadSignature（コピーを消去）
//  5. ログインユーザーが所有者ならOwner、共有ユーザーならShared、それ以外はBadUser
//
// BadSignature以外ではヘッダーはセッションに残る。
func (v *Validator) LoadHeader(sess *session.Session, raw []byte) Outcome {
	sess.UnloadSong()

	var buf [song.HeaderSize]byte
	if len(raw) < song.HeaderSize {
		v.logger.Warn("ヘッダー長が不足しています", slog.Int("size", len(raw)))
		return v.record(BadSignature)
	}
	copy(buf[:], raw)
	defer security.Zero(buf[:])

	// 1. モジュール署名
	if !security.VerifyPrefix(v.store.ModuleKey(), buf[:], song.ModuleSigOffset) {
		v.signatureFailure(metrics.SigKindModule, "header module signature")
		return v.record(BadSignature)
	}

	h, err := song.DecodeHeader(buf[:])
	if err != nil {
		v.logger.Error("ヘッダーのデコードに失敗しました", slog.String("error", err.Error()))
		return v.record(BadSignature)
	}
	sess.LoadSong(&h)

	// 2. 地域
	if !v.regionAllowed(&h) {
		return v.record(BadRegion)
	}

	// 3. 所有者
	ownerID, ok := v.store.LookupName(h.Owner)
	if !ok {
		return v.record(BadUser)
	}
	owner, _ := v.store.User(ownerID)

	// 4. 所有者署名
	if !security.VerifyPrefix(owner.Verifier[:], buf[:], song.OwnerSigOffset) {
		sess.UnloadSong()
		v.signatureFailure(metrics.SigKindOwner, "header owner signature")
		return v.record(BadSignature)
	}

	// 5. ログインユーザーとの照合
	uid, loggedIn := sess.User()
	if !loggedIn {
		return v.record(BadUser)
	}
	if uid == ownerID {
		sess.OwnCurrentSong = true
		return v.record(Owner)
	}
	if cur, ok := v.store.User(uid); ok && h.HasSharedUser(cur.Name) {
		sess.SharedCurrentSong = true
		return v.record(Shared)
	}
	return v.record(BadUser)
}

// regionAllowed は地域リストを番兵まで走査し、登録済み地域が含まれるかを返す。
func (v *Validator) regionAllowed(h *song.Header) bool {
	for _, rid := range h.Regions {
		if rid == model.InvalidRegion {
			return false
		}
		if v.store.IsProvisioned(rid) {
			return true
		}
	}
	return false
}

func (v *Validator) record(o Outcome) Outcome {
	v.metrics.RecordHeaderOutcome(o.String())
	v.logger.Debug("ヘッダーを検証しました", slog.String("outcome", o.String()))
	return o
}

func (v *Validator) signatureFailure(kind, reason string) {
	v.metrics.RecordSignatureFailure(kind)
	v.metrics.RecordTamper()
	v.logger.Warn("署名検証に失敗しました", slog.String("kind", kind))
	v.tamper(reason)
}

// SongInfo はQUERY_SONGで返す楽曲の公開情報。
type SongInfo struct {
	Regions []string
	Owner   model.Name
	Shared  []model.Name
}

// Inspect はモジュール署名のみを検証して楽曲情報を返す。セッションは変更しない。
// 未知の地域IDは表示名を置き換えて返す。
func (v *Validator) Inspect(raw []byte) (SongInfo, error) {
	var buf [song.HeaderSize]byte
	if len(raw) < song.HeaderSize {
		return SongInfo{}, model.NewBadSignatureError("ヘッダー")
	}
	copy(buf[:], raw)
	defer security.Zero(buf[:])

	if !security.VerifyPrefix(v.store.ModuleKey(), buf[:], song.ModuleSigOffset) {
		v.metrics.RecordSignatureFailure(metrics.SigKindModule)
		v.logger.Warn("問い合わせ対象のヘッダー署名が不正です")
		return SongInfo{}, model.NewBadSignatureError("ヘッダー")
	}

	h, err := song.DecodeHeader(buf[:])
	if err != nil {
		return SongInfo{}, err
	}
	info := SongInfo{Owner: h.Owner, Shared: h.SharedUserNames()}
	for _, rid := range h.RegionList() {
		info.Regions = append(info.Regions, v.store.RegionName(rid))
	}
	return info, nil
}
