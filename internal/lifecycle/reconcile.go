package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wgpanel/internal/logs"
	"wgpanel/internal/models"
)

// Store — доступ к пирам, нужный реконсайлеру. Пул адресов он не трогает.
type Store interface {
	// TransitionCandidates возвращает пиров, у которых счётчики или дедлайны
	// могут требовать перехода статуса (now — epoch ms).
	TransitionCandidates(ctx context.Context, now int64) ([]models.Peer, error)
	ApplyTransition(ctx context.Context, t Transition) error
}

// Transition — один вычисленный переход статуса. Времена задаются только
// активацией (onhold → active).
type Transition struct {
	PeerID     uint
	PeerName   string
	Status     models.PeerStatus
	StartTime  *int64
	ExpireTime *int64
}

// Plan — чистая функция машины состояний: по текущему времени и кандидатам
// вычисляет переходы. Проверки идут в фиксированном порядке (активация →
// перерасход → истечение), и каждая видит результат предыдущей: активация
// превращает относительное окно onhold в абсолютный дедлайн.
func Plan(now int64, peers []models.Peer) []Transition {
	var out []Transition
	for _, p := range peers {
		if p.Status == models.PeerStatusOnHold && p.TotalReceivedVolume != 0 {
			start, expire := now, now+p.OnHoldDuration
			p.Status = models.PeerStatusActive
			p.StartTime = start
			p.ExpireTime = expire
			out = append(out, Transition{
				PeerID:     p.ID,
				PeerName:   p.Name,
				Status:     models.PeerStatusActive,
				StartTime:  &start,
				ExpireTime: &expire,
			})
		}

		if p.Status == models.PeerStatusActive && p.TotalVolume > 0 && p.TotalReceivedVolume > p.TotalVolume {
			p.Status = models.PeerStatusLimited
			out = append(out, Transition{PeerID: p.ID, PeerName: p.Name, Status: models.PeerStatusLimited})
		}

		// onhold не истекает: до первого трафика у него нет дедлайна.
		// ExpireTime == 0 — дедлайн не задан.
		if p.Status != models.PeerStatusOnHold && p.ExpireTime > 0 && p.ExpireTime < now {
			out = append(out, Transition{PeerID: p.ID, PeerName: p.Name, Status: models.PeerStatusExpired})
		}
	}
	return out
}

// Reconciler гоняется внешним расписанием (тикер сервера); сам себя не
// планирует.
type Reconciler struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Reconciler {
	return &Reconciler{store: store, now: time.Now}
}

// Run выполняет один проход. Ошибка чтения кандидатов валит весь проход;
// ошибка записи по одному пиру — нет: логируем, идём дальше, в конце отдаём
// агрегат оператору.
func (r *Reconciler) Run(ctx context.Context) error {
	now := r.now().UnixMilli()

	peers, err := r.store.TransitionCandidates(ctx, now)
	if err != nil {
		return fmt.Errorf("load transition candidates: %w", err)
	}
	if len(peers) == 0 {
		return nil
	}
	logs.Logger.Debugf("lifecycle: %d candidate peer(s)", len(peers))

	var errs []error
	for _, t := range Plan(now, peers) {
		if err := r.store.ApplyTransition(ctx, t); err != nil {
			logs.Logger.Errorf("lifecycle: peer %s -> %s: %v", t.PeerName, t.Status, err)
			errs = append(errs, fmt.Errorf("peer %s -> %s: %w", t.PeerName, t.Status, err))
			continue
		}
		logs.Logger.Infof("lifecycle: peer %s -> %s", t.PeerName, t.Status)
	}
	return errors.Join(errs...)
}
