package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// クォータ拒否理由。メッセージはそのままAPIレスポンスに載ります。
const (
	ReasonDailyFileLimit      = "daily file limit exceeded"
	ReasonDailyStorageLimit   = "daily storage limit exceeded"
	ReasonSessionStorageLimit = "session storage limit exceeded"
)

// QuotaLimits はオーナーごとのアップロード上限です。
type QuotaLimits struct {
	DailyFileLimit      int
	DailyStorageLimit   int64
	SessionStorageLimit int64
}

// Ledger はアップロード受付前のクォータ判定と、受付後のカウンター加算を担います。
//
// 既知のレース: CheckAndReserve と CreateJob（コミット）の間にロックは取りません。
// 同一オーナーの並行リクエストが両方ともチェックを通過し、上限を同時進行中の
// ファイル数ぶんだけ超過する可能性があります。上限はソフトなガードレールであり、
// オーナー単位でアップロードを直列化するコストに見合わないため、このレースは
// 許容しています（同時実行数自体は UploadGuard が抑えます）。
type Ledger struct {
	store  *Store
	limits QuotaLimits
	now    func() time.Time
}

// NewLedger は Ledger を作成します。
func NewLedger(store *Store, limits QuotaLimits) *Ledger {
	return &Ledger{
		store:  store,
		limits: limits,
		now:    time.Now,
	}
}

// CheckAndReserve はアップロードを受け付けられるか判定します。
// 日次カウンターはここで遅延リセットされます（スケジュールジョブは使いません）。
// 拒否の場合は理由つきの QUOTA_EXCEEDED エラーを返します。
func (l *Ledger) CheckAndReserve(owner Owner, fileSize int64) error {
	counter, err := l.currentCounter(owner)
	if err != nil {
		return err
	}

	if counter.DailyFileCount >= l.limits.DailyFileLimit {
		return newError(CodeQuotaExceeded, ReasonDailyFileLimit, nil)
	}
	if counter.DailyStorageBytes+fileSize > l.limits.DailyStorageLimit {
		return newError(CodeQuotaExceeded, ReasonDailyStorageLimit, nil)
	}
	if counter.SessionStorageBytes+fileSize > l.limits.SessionStorageLimit {
		return newError(CodeQuotaExceeded, ReasonSessionStorageLimit, nil)
	}
	return nil
}

// CommitDelta はファイルの永続化に成功した後に適用するカウンター増分を返します。
// 実際の加算は Store.CreateJob がジョブ作成と同一トランザクション内で行うため、
// ファイル保存に失敗した場合はカウンターが漏れなく据え置かれます。
func (l *Ledger) CommitDelta(owner Owner, fileSize int64) *QuotaDelta {
	return &QuotaDelta{
		OwnerKey: owner.Key(),
		Bytes:    fileSize,
		Today:    l.today(),
	}
}

// ClearSession はセッションカウンターを明示的にゼロへ戻します。
func (l *Ledger) ClearSession(owner Owner) error {
	return l.store.ClearSessionQuota(owner.Key())
}

// Usage はオーナーの現在の使用量と上限を返します。
func (l *Ledger) Usage(owner Owner) (*QuotaCounter, QuotaLimits, error) {
	counter, err := l.currentCounter(owner)
	if err != nil {
		return nil, QuotaLimits{}, err
	}
	return counter, l.limits, nil
}

// currentCounter はカウンターを読み、リセット日が過去なら日次分をリセットします。
func (l *Ledger) currentCounter(owner Owner) (*QuotaCounter, error) {
	today := l.today()
	counter, err := l.store.GetQuota(owner.Key(), today)
	if err != nil {
		return nil, newError(CodeInternal, "クォータ情報の取得に失敗しました。", err)
	}

	if counter.LastResetDate < today {
		if err := l.store.ResetDailyQuota(owner.Key(), today); err != nil {
			return nil, newError(CodeInternal, "クォータ情報の更新に失敗しました。", err)
		}
		counter.DailyFileCount = 0
		counter.DailyStorageBytes = 0
		counter.LastResetDate = today
	}
	return counter, nil
}

func (l *Ledger) today() string {
	return l.now().UTC().Format("2006-01-02")
}

// UploadGuard は同一オーナーの同時アップロード数を Redis のカウンターで抑えます。
// Redis に到達できない場合は通す（クォータと同じくソフトな制限のため）。
type UploadGuard struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

// NewUploadGuard は UploadGuard を作成します。
func NewUploadGuard(rdb *redis.Client, limit int) *UploadGuard {
	return &UploadGuard{
		rdb:   rdb,
		limit: limit,
		// アップロード処理が異常終了してもカウンターが残り続けないようTTLを付ける
		ttl: 10 * time.Minute,
	}
}

// Acquire はスロットを1つ確保し、解放用の関数を返します。
// 上限に達している場合は QUOTA_EXCEEDED エラーを返します。
func (g *UploadGuard) Acquire(ctx context.Context, owner Owner) (func(), error) {
	if g == nil || g.rdb == nil || g.limit <= 0 {
		return func() {}, nil
	}

	key := "uploads:inflight:" + owner.Key()
	count, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return func() {}, nil
	}
	g.rdb.Expire(ctx, key, g.ttl)

	if count > int64(g.limit) {
		g.rdb.Decr(ctx, key)
		return nil, newError(CodeQuotaExceeded,
			fmt.Sprintf("concurrent upload limit exceeded (max %d)", g.limit), nil)
	}

	return func() {
		g.rdb.Decr(context.WithoutCancel(ctx), key)
	}, nil
}
