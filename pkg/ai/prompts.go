package ai

// ExtractPrompt is filled with: entity types, relation types, text.
const ExtractPrompt = `
# Task Context
You are tasked with extracting **structured entity and relationship information** from the provided text. The process must capture **all details explicitly present in the text**, without omission.

# Background Data
- **Entity_types:** [%s]
- **Relation_types:** [%s]

An empty list means that any type or label is allowed.

# Detailed Task Description & Rules
## Entity Extraction
1. Identify all entities of the specified types.
2. For each entity, extract:
   - **entity_name:** The name of the entity, written in **ALL CAPITAL LETTERS**.
   - **entity_type:** One of the provided types, in upper case.
   - **entity_description:** A comprehensive description of all attributes, roles, activities, events, timelines, or other explicit details in the text about the entity.

## Relationship Extraction
1. From the identified entities, determine all clear relationships between pairs of entities.
2. For each relationship, extract:
   - **source_entity:** name of the source entity, exactly as written in the entities list.
   - **target_entity:** name of the target entity, exactly as written in the entities list.
   - **relationship_label:** a short upper-case label for the relation (e.g., WORKS_AT, LOCATED_IN). Use one of the provided relation types when the list is not empty.
   - **relationship_description:** explanation of how the entities are related, based strictly on the text.
   - **relationship_strength:** a numeric score (0.0–1.0) indicating the strength of the relationship.
   - **confidence:** a numeric score (0.0–1.0) indicating how certain the text makes this relationship.
3. Only relate an entity to itself when the text explicitly states it.

# Examples
**Entity_types:** PERSON, ORGANIZATION, LOCATION
**Relation_types:** WORKS_AT, LOCATED_IN
**Text:**
Alice works at Acme. Acme is in Springfield.

**Output:**
{
  "entities": [
    {"entity_name": "ALICE", "entity_type": "PERSON", "entity_description": "Alice is an employee of Acme."},
    {"entity_name": "ACME", "entity_type": "ORGANIZATION", "entity_description": "Acme is an organization located in Springfield that employs Alice."},
    {"entity_name": "SPRINGFIELD", "entity_type": "LOCATION", "entity_description": "Springfield is the location of Acme."}
  ],
  "relationships": [
    {"source_entity": "ALICE", "target_entity": "ACME", "relationship_label": "WORKS_AT", "relationship_description": "Alice works at Acme.", "relationship_strength": 0.9, "confidence": 0.95},
    {"source_entity": "ACME", "target_entity": "SPRINGFIELD", "relationship_label": "LOCATED_IN", "relationship_description": "Acme is located in Springfield.", "relationship_strength": 0.8, "confidence": 0.9}
  ]
}

# Immediate Task Description or Request
Extract all entities and relationships from the following text.

**Text:**
%s

# Output Formatting
The output must be a single valid JSON object in this structure:
{
  "entities": [
    {
      "entity_name": "string",
      "entity_type": "string",
      "entity_description": "string"
    }
  ],
  "relationships": [
    {
      "source_entity": "string",
      "target_entity": "string",
      "relationship_label": "string",
      "relationship_description": "string",
      "relationship_strength": "float",
      "confidence": "float"
    }
  ]
}
Do not include any commentary, explanations, or text outside of the JSON.
Always return valid JSON, even if no entities or relationships are found (use empty arrays in that case).
`

// CommunityReportPrompt is filled with: entity lines, relationship lines.
const CommunityReportPrompt = `
# Task Context
You are an analyst writing a report about one community of a knowledge graph. A community is a group of closely related entities.

# Background Data
-- Entities --
%s

-- Relationships --
%s

# Detailed Task Description & Rules
- Write a short title naming the most important entities of the community.
- Write an executive summary of the community: its overall structure, how the entities relate to each other, and the significant information associated with them.
- Rate the importance of the community between 0.0 and 10.0 and explain the rating in one sentence.
- List between 1 and 10 key findings. Each finding is one or two sentences grounded in the data above.
- Only use the information given above. Do not infer, assume, or add external knowledge.

# Output Formatting
Return a JSON object with this structure:
{
  "title": "string",
  "summary": "string",
  "rating": "float",
  "rating_explanation": "string",
  "findings": ["string"]
}
Do not include any commentary, explanations, or text outside of the JSON.
`

// QueryPrompt is filled with: the retrieved data, the question.
const QueryPrompt = `
# Task Context
You are a helpful assistant that answers questions based only on data retrieved from a knowledge graph.

# Background Data
The data is provided in the following format:

Sources:
[[<source_id>]] <text>

Entities:
<entity_name> (<type>): <description> [[<source_id>]]

Community Reports:
<title>: <summary>

## Data
%s

# Detailed Task Description & Rules
- Do not add any information that is not present in the provided data.
- Derive your answer from the text and descriptions, not from the number of entities listed.
- Every factual statement must end with one or more source ids in the format [[id]].
- Only use source ids that appear in the data. Never invent ids and never leave a placeholder.
- If the data contains contradictory statements, present all of them and say that they contradict each other.
- If you cannot find an answer in the data, say that the knowledge graph holds no information about it.

# Immediate Task Description or Request
Question: %s

# Output Formatting
- Return only the direct answer in Markdown.
- Respond in the same language as the question.
`

// NoDataPrompt is filled with: the question.
const NoDataPrompt = `
# Task Context
You are a helpful assistant. The user asked a question, but no relevant information was found in the knowledge graph.

# Background Data
User's question: %s

# Detailed Task Description & Rules
- Generate a brief response explaining that no relevant information is available.
- Do not invent any information.
- Suggest that the user could add sources containing this information.

# Output Formatting
- Respond in the same language as the user's question.
- Keep the response short (1-2 sentences) without markdown formatting.
`
