package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/linestatus"
	"github.com/JakeFAU/linewatch/internal/service"
)

// maxBodyBytes caps request bodies; subscriptions are well under 1 KiB.
const maxBodyBytes = 64 << 10

const statusCacheControl = "public, s-maxage=60, stale-while-revalidate=120"

type statusResponse struct {
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"lastUpdated"`
	IsNormal    bool      `json:"isNormal"`
	Detail      string    `json:"detail,omitempty"`
}

type subscribeRequest struct {
	Subscription *linestatus.Subscriber `json:"subscription"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type subscriptionResponse struct {
	Message    string `json:"message"`
	Subscribed bool   `json:"subscribed"`
}

type checkResponse struct {
	Message          string     `json:"message"`
	CurrentStatus    string     `json:"currentStatus"`
	NotificationSent bool       `json:"notificationSent"`
	LastCheckTime    *time.Time `json:"lastCheckTime"`
	IsDelayed        bool       `json:"isDelayed"`
	Error            string     `json:"error,omitempty"`
}

type stateResponse struct {
	LastStatus            *string    `json:"lastStatus"`
	LastCheckTime         *time.Time `json:"lastCheckTime"`
	IsDelayed             bool       `json:"isDelayed"`
	LastNotificationTime  *time.Time `json:"lastNotificationTime"`
	HasDelayCheckInterval bool       `json:"hasDelayCheckInterval"`
}

type notifyRequest struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Status string `json:"status"`
}

type notifyResponse struct {
	Message              string `json:"message"`
	TotalSubscribers     int    `json:"totalSubscribers"`
	Succeeded            int    `json:"succeeded"`
	Failed               int    `json:"failed"`
	InvalidSubscriptions int    `json:"invalidSubscriptions"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	useCache := r.URL.Query().Get("nocache") != "true"
	snap, err := s.svc.GetStatus(r.Context(), useCache)
	if err != nil {
		s.logger.Error("get status", zap.Bool("use_cache", useCache), zap.Error(err))
		if errors.Is(err, service.ErrFetchUnavailable) {
			writeError(w, http.StatusServiceUnavailable, codeScrapingError,
				"JR東日本のサイトから情報を取得できませんでした。しばらく時間をおいてから再度お試しください。", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, codeInternal, "予期しないエラーが発生しました。", s.logger)
		return
	}
	w.Header().Set("Cache-Control", statusCacheControl)
	writeData(w, http.StatusOK, statusResponse{
		Status:      snap.RawText,
		LastUpdated: snap.CapturedAt,
		IsNormal:    snap.IsNormal,
		Detail:      snap.Detail,
	}, s.logger)
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Subscription == nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "購読情報が不正です。", s.logger)
		return
	}
	err := s.svc.Subscribe(r.Context(), *req.Subscription)
	var verr *linestatus.ValidationError
	switch {
	case err == nil:
		writeData(w, http.StatusCreated, subscriptionResponse{
			Message:    "プッシュ通知の購読に成功しました。",
			Subscribed: true,
		}, s.logger)
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "購読情報が不正です。", s.logger)
	case errors.Is(err, service.ErrInvalidSubscription):
		writeError(w, http.StatusBadRequest, codeInvalidSubscription,
			"購読情報が無効です。ブラウザの通知設定を確認してください。", s.logger)
	default:
		s.logger.Error("subscribe", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeSubscriptionError, "プッシュ通知の購読に失敗しました。", s.logger)
	}
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "エンドポイントが指定されていません。", s.logger)
		return
	}
	removed, err := s.svc.Unsubscribe(r.Context(), req.Endpoint)
	if err != nil {
		s.logger.Error("unsubscribe", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeUnsubscribeError, "プッシュ通知の購読解除に失敗しました。", s.logger)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, codeNotFound, "指定された購読情報が見つかりません。", s.logger)
		return
	}
	writeData(w, http.StatusOK, subscriptionResponse{
		Message:    "プッシュ通知の購読を解除しました。",
		Subscribed: false,
	}, s.logger)
}

func (s *Server) vapidPublicKey(w http.ResponseWriter, _ *http.Request) {
	if s.opts.VAPIDPublicKey == "" {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "プッシュ通知は設定されていません。", s.logger)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"publicKey": s.opts.VAPIDPublicKey}, s.logger)
}

func (s *Server) runCheck(w http.ResponseWriter, r *http.Request) {
	res := s.svc.CheckAndNotify(r.Context())
	state := s.svc.CurrentState()
	s.logger.Info("check complete",
		zap.String("status", res.Status),
		zap.Bool("notification_sent", res.NotificationSent),
		zap.Bool("is_delayed", state.IsDelayed),
		zap.Bool("has_error", res.Error != ""),
	)
	writeData(w, http.StatusOK, checkResponse{
		Message:          "運行状況チェックを実行しました。",
		CurrentStatus:    res.Status,
		NotificationSent: res.NotificationSent,
		LastCheckTime:    state.LastCheckTime,
		IsDelayed:        state.IsDelayed,
		Error:            res.Error,
	}, s.logger)
}

func (s *Server) checkState(w http.ResponseWriter, _ *http.Request) {
	state := s.svc.CurrentState()
	writeData(w, http.StatusOK, stateResponse{
		LastStatus:            state.LastStatus,
		LastCheckTime:         state.LastCheckTime,
		IsDelayed:             state.IsDelayed,
		LastNotificationTime:  state.LastNotificationTime,
		HasDelayCheckInterval: state.BackgroundMonitorActive,
	}, s.logger)
}

func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Title == "" || req.Body == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "通知内容が不正です。title, body, statusは必須です。", s.logger)
		return
	}
	res, err := s.svc.Notify(r.Context(), req.Title, req.Body, req.Status)
	if err != nil {
		s.logger.Error("notify", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeNotificationError, "通知の送信に失敗しました。", s.logger)
		return
	}
	msg := fmt.Sprintf("%d件の通知送信に成功しました。", res.Succeeded)
	if res.TotalSubscribers == 0 {
		msg = "通知対象の購読者が存在しません。"
	}
	writeData(w, http.StatusOK, notifyResponse{
		Message:              msg,
		TotalSubscribers:     res.TotalSubscribers,
		Succeeded:            res.Succeeded,
		Failed:               res.Failed,
		InvalidSubscriptions: len(res.InvalidEndpoints),
	}, s.logger)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
