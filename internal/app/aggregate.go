package app

import (
	"context"
	"time"

	"github.com/pbullhove/vote-then-discuss/internal/identity"
	"github.com/pbullhove/vote-then-discuss/internal/store"
)

type AttributedAnswer struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Author    identity.Label `json:"author"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type QuestionAnswers struct {
	QuestionView
	Answers []AttributedAnswer `json:"answers"`
}

type AnswerView struct {
	Code      string            `json:"code"`
	Questions []QuestionAnswers `json:"questions"`
}

// LoadAll reads every answer of the session and groups them by question id.
// Order inside a group follows the store.
func (s *Service) LoadAll(ctx context.Context, sessionID string) (map[string][]store.Answer, error) {
	answers, err := s.store.ListAnswers(ctx, sessionID)
	if err != nil {
		return nil, loadFailed(err)
	}
	grouped := make(map[string][]store.Answer)
	for _, answer := range answers {
		grouped[answer.QuestionID] = append(grouped[answer.QuestionID], answer)
	}
	return grouped, nil
}

// AnswerView returns the session's questions in order with everyone's answers
// attributed for the viewer. Only identities that have submitted may read it.
func (s *Service) AnswerView(ctx context.Context, sessionID string, caller identity.AuthContext, pc identity.ParticipantContext) (AnswerView, error) {
	status, err := s.Status(ctx, sessionID, caller, pc)
	if err != nil {
		return AnswerView{}, err
	}
	if status.State != GateSubmitted {
		return AnswerView{}, forbidden("Submit your answers to see everyone's")
	}
	return s.buildAnswerView(ctx, sessionID, status.Identity)
}

func (s *Service) buildAnswerView(ctx context.Context, sessionID string, viewer identity.Identity) (AnswerView, error) {
	questions, err := s.store.ListQuestions(ctx, sessionID)
	if err != nil {
		return AnswerView{}, loadFailed(err)
	}
	grouped, err := s.LoadAll(ctx, sessionID)
	if err != nil {
		return AnswerView{}, err
	}

	view := AnswerView{Code: sessionID, Questions: make([]QuestionAnswers, 0, len(questions))}
	for _, question := range questions {
		entry := QuestionAnswers{QuestionView: questionView(question), Answers: []AttributedAnswer{}}
		for _, answer := range grouped[question.ID] {
			entry.Answers = append(entry.Answers, AttributedAnswer{
				ID:        answer.ID,
				Text:      answer.Text,
				Author:    identity.Attribute(answer.Author, viewer),
				UpdatedAt: answer.UpdatedAt,
			})
		}
		view.Questions = append(view.Questions, entry)
	}
	return view, nil
}
