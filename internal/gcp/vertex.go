package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

// --- Segment analyzer prompts ---
const AnalyzerSystemPrompt = "You are a meticulous document analyst. You are given the extracted text of one segment of a document (a page, a chapter, or a whole media file) and access to tools that let you inspect the underlying image or video. Use the tools to answer the questions the text alone cannot, then stop."
const AnalyzerImageUserPrompt = `Analyze this segment of a document. The extracted text is provided below.

Use the analyze_image tool to ask targeted questions about figures, diagrams, tables, handwriting, or anything the extracted text does not capture. If the page appears sideways or upside down, call rotate_image first. Ask at most a few focused questions; do not repeat a question you already asked.`
const AnalyzerVideoUserPrompt = `Analyze this segment of a video or audio recording. The transcript is provided below.

Use the analyze_video tool to ask targeted questions about what is shown on screen, demonstrations, slides, or anything the transcript does not capture. Ask at most a few focused questions; do not repeat a question you already asked.`

// --- Summarizer prompts ---
const PageDescriptionSystemPrompt = "You are a document indexing assistant. You produce one concise, information-dense description per page from the page's extracted text and analysis notes. You must output your response as a valid JSON array."
const PageDescriptionUserPrompt = `For each page below, write one description of 2-4 sentences capturing its topic and key facts.

Output a single valid JSON array, one object per input page, with exactly two keys:
  - "page": the integer page index, copied from the input
  - "description": the description string

Every input page must appear exactly once. Do not include any text before or after the JSON array.`

const RelatedPagesSystemPrompt = "You are a document cross-referencing assistant. Given an ordered list of page descriptions, you identify pages that discuss the same topic, continue the same section, or reference each other. You must output your response as a valid JSON array."
const RelatedPagesUserPrompt = `From the page descriptions below, identify related pages.

Output a single valid JSON array with one object per page that has at least one relation, with exactly two keys:
  - "page": the integer page index
  - "relatedPages": an array of integer page indices related to it

Only use page indices that appear in the input. Do not relate a page to itself. Do not include any text before or after the JSON array.`

const DocumentSummarySystemPrompt = "You are a document summarization assistant. You write a faithful, well-structured summary of a document from its per-page descriptions. Preserve concrete facts, names and figures; do not invent content."
const DocumentSummaryUserPrompt = `Write a summary of the document whose page descriptions follow. Cover the document's purpose, structure, and key content in a few paragraphs. Return only the summary text.`

const SummaryMergeSystemPrompt = "You are a summarization assistant. You merge several partial summaries of consecutive parts of one document into a single coherent summary, removing redundancy while preserving all distinct facts."
const SummaryMergeUserPrompt = `Merge the partial summaries below into one coherent summary of the whole document. Return only the merged summary text.`

// analyzerTools declares the capability set offered to the analysis loop.
// Video and chapter segments are only given analyze_video.
var analyzerImageTools = []*genai.Tool{{
	FunctionDeclarations: []*genai.FunctionDeclaration{
		{
			Name:        "analyze_image",
			Description: "Ask a question about the segment's page image and get a detailed answer.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"question": {Type: genai.TypeString, Description: "The question to answer about the image."},
				},
				Required: []string{"question"},
			},
		},
		{
			Name:        "rotate_image",
			Description: "Rotate the segment's page image 90 degrees clockwise, for pages scanned sideways.",
			Parameters:  &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}},
		},
	},
}}

var analyzerVideoTools = []*genai.Tool{{
	FunctionDeclarations: []*genai.FunctionDeclaration{
		{
			Name:        "analyze_video",
			Description: "Ask a question about the segment's video and get a detailed answer.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"question": {Type: genai.TypeString, Description: "The question to answer about the video."},
				},
				Required: []string{"question"},
			},
		},
	},
}}

// VertexClient holds all pre-configured generative models for the pipeline.
type VertexClient struct {
	ImageAnalyzerModel *genai.GenerativeModel
	VideoAnalyzerModel *genai.GenerativeModel
	StructuredModel    *genai.GenerativeModel
	SummaryModel       *genai.GenerativeModel
	VisionModel        *genai.GenerativeModel
	baseClient         *genai.Client
}

// NewVertexClient creates a new client holding all necessary models.
func NewVertexClient(ctx context.Context, projectID, region string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	modelName := GetEnv("VERTEX_MODEL", "gemini-1.5-pro")

	imageModel := baseClient.GenerativeModel(modelName)
	imageModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(AnalyzerSystemPrompt)},
	}
	imageModel.Tools = analyzerImageTools

	videoModel := baseClient.GenerativeModel(modelName)
	videoModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(AnalyzerSystemPrompt)},
	}
	videoModel.Tools = analyzerVideoTools

	structuredModel := baseClient.GenerativeModel(modelName)
	structuredModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output. This is a critical setting for this model.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	structuredModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	summaryModel := baseClient.GenerativeModel(modelName)

	visionModel := baseClient.GenerativeModel(modelName)

	return &VertexClient{
		ImageAnalyzerModel: imageModel,
		VideoAnalyzerModel: videoModel,
		StructuredModel:    structuredModel,
		SummaryModel:       summaryModel,
		VisionModel:        visionModel,
		baseClient:         baseClient,
	}, nil
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}

// GenerateJSON sends system+user prompts to the JSON-forced model and decodes
// the response into out.
func (c *VertexClient) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error {
	resp, err := c.StructuredModel.GenerateContent(ctx,
		genai.Text(systemPrompt+"\n\n"+userPrompt))
	if err != nil {
		return fmt.Errorf("failed to generate structured content: %w", err)
	}
	text := ExtractText(resp)
	if text == "" {
		return fmt.Errorf("structured model returned no text")
	}
	if err := json.Unmarshal([]byte(StripFences(text)), out); err != nil {
		return fmt.Errorf("failed to decode structured response: %w", err)
	}
	return nil
}

// GenerateText sends system+user prompts to the summary model and returns the
// plain-text response.
func (c *VertexClient) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	model := c.SummaryModel
	if systemPrompt != "" {
		model = cloneWithSystem(c.SummaryModel, systemPrompt)
	}
	resp, err := model.GenerateContent(ctx, genai.Text(userPrompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	return ExtractText(resp), nil
}

// AskAboutMedia asks a single question about an image or video by reference.
func (c *VertexClient) AskAboutMedia(ctx context.Context, mediaURI, mimeType, question string) (string, error) {
	resp, err := c.VisionModel.GenerateContent(ctx,
		genai.FileData{MIMEType: mimeType, FileURI: mediaURI},
		genai.Text(question))
	if err != nil {
		return "", fmt.Errorf("failed to query media %s: %w", mediaURI, err)
	}
	answer := ExtractText(resp)
	if answer == "" {
		return "", fmt.Errorf("empty answer for media %s", mediaURI)
	}
	return answer, nil
}

// ExtractText parses the model's response and robustly extracts text content.
// Multiple text parts are concatenated.
func ExtractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(sb.String())
}

// ExtractFunctionCalls returns the function-call parts of a response.
func ExtractFunctionCalls(resp *genai.GenerateContentResponse) []genai.FunctionCall {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var calls []genai.FunctionCall
	for _, part := range resp.Candidates[0].Content.Parts {
		if fc, ok := part.(genai.FunctionCall); ok {
			calls = append(calls, fc)
		}
	}
	return calls
}

// StripFences removes a surrounding markdown code fence, if present.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```markdown")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func cloneWithSystem(m *genai.GenerativeModel, systemPrompt string) *genai.GenerativeModel {
	clone := *m
	clone.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	return &clone
}
