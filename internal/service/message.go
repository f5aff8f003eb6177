package service

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hiop5155/chat-app/internal/metrics"
	"github.com/hiop5155/chat-app/internal/models"
	"github.com/rs/zerolog/log"
)

// MessageStore 是持久化协作者：分配 ID 与时间戳，并按创建顺序返回历史。
type MessageStore interface {
	Create(ctx context.Context, msg *models.Message) error
	ListAll(ctx context.Context) ([]models.Message, error)
}

// Publisher 接收已持久化的消息并尽力推送，不返回错误。
type Publisher interface {
	Publish(msg models.Message)
}

// SubmitInput 是客户端提交的消息内容，发送者由认证层提供。
type SubmitInput struct {
	Type    string `json:"type" validate:"oneof=text image video"`
	Content string `json:"content" validate:"max=4000"`
	FileURL string `json:"file_url" validate:"omitempty,max=2048"`
}

// MessageService 负责校验、持久化并广播新消息。
type MessageService struct {
	store    MessageStore
	pub      Publisher
	validate *validator.Validate
}

func NewMessageService(store MessageStore, pub Publisher) *MessageService {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(submitRules, SubmitInput{})
	return &MessageService{store: store, pub: pub, validate: v}
}

// submitRules 处理依赖消息类型的必填字段。
func submitRules(sl validator.StructLevel) {
	in := sl.Current().Interface().(SubmitInput)
	switch {
	case in.Type == models.MessageTypeText && strings.TrimSpace(in.Content) == "":
		sl.ReportError(in.Content, "content", "Content", "required_for_text", "")
	case models.IsMedia(in.Type) && strings.TrimSpace(in.FileURL) == "":
		sl.ReportError(in.FileURL, "file_url", "FileURL", "required_for_media", "")
	}
}

func (s *MessageService) check(in SubmitInput) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}
	fe := fieldErrs[0]
	var reason string
	switch fe.Tag() {
	case "oneof":
		reason = "type must be one of text, image, video"
	case "max":
		reason = fe.Field() + " is too long"
	case "required_for_text":
		reason = "content is required for text messages"
	case "required_for_media":
		reason = "file_url is required for " + in.Type + " messages"
	default:
		reason = fe.Field() + " is invalid"
	}
	return &ValidationError{Field: fe.Field(), Reason: reason}
}

func typeLabel(t string) string {
	switch t {
	case models.MessageTypeText, models.MessageTypeImage, models.MessageTypeVideo:
		return t
	}
	return "unknown"
}

// Submit 依次完成 校验 -> 持久化 -> 广播。持久化失败时直接返回，不会广播。
// 没有在线连接或个别连接推送失败都不影响提交成功。
func (s *MessageService) Submit(ctx context.Context, sender models.User, in SubmitInput) (*models.Message, error) {
	in.Type = strings.ToLower(strings.TrimSpace(in.Type))
	if in.Type == "" {
		in.Type = models.MessageTypeText
	}
	in.FileURL = strings.TrimSpace(in.FileURL)
	if err := s.check(in); err != nil {
		metrics.MessagesSubmittedTotal.WithLabelValues(typeLabel(in.Type), "invalid").Inc()
		return nil, err
	}
	if in.Type == models.MessageTypeText {
		in.FileURL = ""
	}

	msg := &models.Message{
		SenderID: sender.ID,
		Sender:   sender,
		Type:     in.Type,
		Content:  in.Content,
		FileURL:  in.FileURL,
	}
	if err := s.store.Create(ctx, msg); err != nil {
		metrics.MessagesSubmittedTotal.WithLabelValues(in.Type, "storage_error").Inc()
		return nil, &StorageError{Op: "create message", Err: err}
	}
	metrics.MessagesSubmittedTotal.WithLabelValues(in.Type, "ok").Inc()
	log.Debug().Uint("message_id", msg.ID).Uint("user_id", sender.ID).Str("type", msg.Type).Msg("message stored")

	s.pub.Publish(*msg)
	return msg, nil
}

// List 返回全部历史消息，按 created_at 升序（同一时刻按插入顺序）。
func (s *MessageService) List(ctx context.Context) ([]models.Message, error) {
	msgs, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list messages", Err: err}
	}
	return msgs, nil
}
