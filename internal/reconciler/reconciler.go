package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
	log "github.com/sirupsen/logrus"

	"SubscriptionPay/internal/models"
	"SubscriptionPay/internal/services"
)

type Config struct {
	Interval     time.Duration // 扫描 pending 的周期
	PendingGrace time.Duration // 比这更新的 pending 行留给确认请求自己处理
	BatchSize    int
	Workers      int
	WSURL        string // 为空时不订阅
}

// Reconciler 后台处理确认超时后仍为 pending 的支付：
// 周期扫描数据库，并可通过 websocket 日志订阅在交易落地时立即处理
type Reconciler struct {
	svc   *services.PaymentService
	cfg   Config
	log   *log.Entry
	now   func() time.Time
	watch solana.PublicKey

	mu      sync.Mutex
	logsSub *ws.LogSubscription

	inFlight   sync.Map      // 正在处理的签名
	workerPool chan struct{} // 限制并发
}

func New(svc *services.PaymentService, cfg Config, logger *log.Logger) (*Reconciler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	watch := svc.Receiver()
	if !svc.Asset().Equals(services.NativeMint) {
		// token 转账只会提及收款方的关联账户
		ata, _, err := solana.FindAssociatedTokenAddress(svc.Receiver(), svc.Asset())
		if err != nil {
			return nil, fmt.Errorf("derive receiver token account: %w", err)
		}
		watch = ata
	}
	return &Reconciler{
		svc:        svc,
		cfg:        cfg,
		log:        logger.WithField("component", "reconciler"),
		now:        time.Now,
		watch:      watch,
		workerPool: make(chan struct{}, cfg.Workers),
	}, nil
}

// Start 阻塞直到 ctx 结束
func (r *Reconciler) Start(ctx context.Context) {
	if r.cfg.WSURL != "" {
		go r.listen(ctx)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if n, err := r.Sweep(ctx); err != nil {
			r.log.WithError(err).Error("sweep failed")
		} else if n > 0 {
			r.log.WithField("count", n).Info("pending payments swept")
		}
		select {
		case <-ctx.Done():
			r.unsubscribeLogs()
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep 处理一批过了宽限期的 pending 支付，返回处理的条数
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stale, err := r.svc.Ledger().StalePending(ctx, r.now().Add(-r.cfg.PendingGrace), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	var wg sync.WaitGroup
	for i := range stale {
		wg.Add(1)
		go func(p models.Payment) {
			defer wg.Done()
			r.process(ctx, p.TransactionHash)
		}(stale[i])
	}
	wg.Wait()
	return len(stale), nil
}

// process 同一签名同时只处理一次
func (r *Reconciler) process(ctx context.Context, signature string) {
	if _, busy := r.inFlight.LoadOrStore(signature, true); busy {
		return
	}
	defer r.inFlight.Delete(signature)

	r.workerPool <- struct{}{}
	defer func() { <-r.workerPool }()

	res, err := r.svc.Reconcile(ctx, signature)
	entry := r.log.WithField("signature", signature)
	if err != nil {
		entry.WithError(err).Warn("reconcile failed")
		return
	}
	entry.WithField("status", res.Status).Debug("reconciled")
}

// HandleSignature 日志通知入口：只处理本地存在的 pending 支付
func (r *Reconciler) HandleSignature(ctx context.Context, sig solana.Signature) {
	p, err := r.svc.Ledger().Payment(ctx, sig.String())
	if err != nil || p.Status != models.StatusPending {
		return
	}
	r.process(ctx, sig.String())
}

func (r *Reconciler) listen(ctx context.Context) {
	client, err := ws.Connect(ctx, r.cfg.WSURL)
	if err != nil {
		r.log.WithError(err).Error("websocket connect failed, relying on periodic sweep")
		return
	}
	defer client.Close()

	if err := r.subscribeLogs(client); err != nil {
		r.log.WithError(err).Error("logs subscribe failed, relying on periodic sweep")
		return
	}
	r.log.WithField("address", r.watch.String()).Info("watching receiver logs")

	maxRetries := 5
	retryCount := 0
	for retryCount < maxRetries {
		r.mu.Lock()
		sub := r.logsSub
		r.mu.Unlock()
		if sub == nil {
			if err := r.subscribeLogs(client); err != nil {
				retryCount++
				r.log.WithError(err).WithField("retry", retryCount).Warn("resubscribe failed")
				if !sleepCtx(ctx, time.Duration(retryCount)*5*time.Second) {
					return
				}
			}
			continue
		}

		result, err := sub.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("logs notification failed, resubscribing")
			r.unsubscribeLogs()
			retryCount++
			if !sleepCtx(ctx, time.Duration(retryCount)*5*time.Second) {
				return
			}
			continue
		}
		retryCount = 0

		if result == nil || result.Value.Signature.IsZero() {
			continue
		}
		go r.HandleSignature(ctx, result.Value.Signature)
	}
	r.log.Error("logs subscription gave up after repeated failures")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (r *Reconciler) subscribeLogs(client *ws.Client) error {
	sub, err := client.LogsSubscribeMentions(r.watch, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	r.mu.Lock()
	r.logsSub = sub
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) unsubscribeLogs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logsSub != nil {
		r.logsSub.Unsubscribe()
		r.logsSub = nil
	}
}
