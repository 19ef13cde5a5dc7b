package glosa

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/medglosa/medglosa/internal/platform/gemini"
)

const extractionPrompt = `Analise este documento de Recibo Analítico de Pagamento da Unimed.
Extraia todos os procedimentos listados.
Para cada procedimento, identifique:
1. Nome do Beneficiário (Paciente)
2. Data do atendimento (formato DD/MM/AAAA)
3. Nome do Serviço/Procedimento
4. Código TUSS do procedimento (geralmente um número de 8 a 10 dígitos)
5. Valor de Honorários (Hono)
6. Valor da Glosa (Glosa)
7. Valor Total pago

Um item é considerado uma GLOSA se o campo 'Glosa' tiver um valor diferente de zero ou se houver uma justificativa de glosa associada ao procedimento (como "NAO AUTORIZADO", "DUPLICIDADE", etc).

Retorne os dados estritamente em JSON seguindo o esquema fornecido.`

// reportSchema constrains the model output to a list of ReportItem objects.
var reportSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"patientName": {Type: genai.TypeString},
			"date":        {Type: genai.TypeString},
			"procedure":   {Type: genai.TypeString},
			"tussCode":    {Type: genai.TypeString},
			"honoAmount":  {Type: genai.TypeNumber},
			"glosaAmount": {Type: genai.TypeNumber},
			"totalPaid":   {Type: genai.TypeNumber},
			"isGlosa":     {Type: genai.TypeBoolean},
		},
		Required: []string{"patientName", "date", "procedure", "honoAmount", "glosaAmount", "totalPaid", "isGlosa"},
	},
}

// Extractor turns a statement document into report lines.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) ([]ReportItem, error)
}

// GeminiExtractor extracts report lines with a schema-constrained Gemini
// request.
type GeminiExtractor struct {
	client *gemini.Client
}

func NewGeminiExtractor(client *gemini.Client) *GeminiExtractor {
	return &GeminiExtractor{client: client}
}

func (e *GeminiExtractor) Extract(ctx context.Context, data []byte, mimeType string) ([]ReportItem, error) {
	raw, err := e.client.GenerateJSON(ctx, gemini.Request{
		Data:     data,
		MimeType: mimeType,
		Prompt:   extractionPrompt,
		Schema:   reportSchema,
	})
	if err != nil {
		return nil, err
	}
	return decodeReport(raw)
}

func decodeReport(raw []byte) ([]ReportItem, error) {
	if len(raw) == 0 {
		return []ReportItem{}, nil
	}
	var items []ReportItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse extracted report: %w", err)
	}
	if items == nil {
		items = []ReportItem{}
	}
	return items, nil
}
