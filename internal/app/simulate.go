package app

import (
	"context"
	"errors"
	"fmt"

	"bundlegate/internal/alerting"
	"bundlegate/internal/oracle"
	"bundlegate/internal/service"
)

// SimulateAlert 模拟连续 failures 次预言机刷新失败, 经由维护服务的阈值与冷却逻辑触发告警。
func (a *App) SimulateAlert(ctx context.Context, failures int, lastErr string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}
	sent := &dispatchRecorder{next: notifier}

	cfg := *a.Config
	cfg.Policy = a.Config.Policy.Clone()
	cfg.Policy.Features.Oracle = true
	cfg.Policy.Oracle.EnableJITUpdates = true

	resolver := &failingRefresher{StaticResolver: oracle.NewStaticResolver(nil), err: errors.New(lastErr)}
	gate, err := a.newGate(cfg.Policy, resolver)
	if err != nil {
		return err
	}

	svc := service.New(&cfg, gate, nil, nil, sent, a.Clock, a.Logger)
	for i := 0; i < failures; i++ {
		if err := svc.Tick(ctx, a.Clock.Now()); err != nil {
			return err
		}
	}

	if sent.err != nil {
		return sent.err
	}
	if sent.count == 0 {
		return fmt.Errorf("%d 次失败未达到告警阈值 %d", failures, cfg.Alerting.FailureThreshold)
	}
	return nil
}

// failingRefresher 模拟一个刷新总是失败的价格源。
type failingRefresher struct {
	*oracle.StaticResolver
	err error
}

func (f *failingRefresher) Refresh(context.Context) error { return f.err }

// dispatchRecorder 记录告警的实际发送结果。
type dispatchRecorder struct {
	next  alerting.Notifier
	count int
	err   error
}

func (d *dispatchRecorder) Notify(ctx context.Context, note alerting.Notification) error {
	note.AdditionalMsg = "simulated"
	d.count++
	if err := d.next.Notify(ctx, note); err != nil {
		d.err = err
		return err
	}
	return nil
}

var (
	_ oracle.Refresher  = (*failingRefresher)(nil)
	_ alerting.Notifier = (*dispatchRecorder)(nil)
)
