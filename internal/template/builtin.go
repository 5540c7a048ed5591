package template

// Builtin is the registry shipped with the gateway. A templates file loaded
// at startup can add entries or replace these bodies.
var Builtin = []Template{
	{
		Name: "welcome",
		Body: "Olá {{client_name}}! Bem-vindo(a). Vamos cuidar do seu processo de visto {{visa_type}} para {{target_country}}. " +
			"Qualquer dúvida, responda esta mensagem.",
	},
	{
		Name: "document_request",
		Body: "Olá {{client_name}}, para seguir com o visto {{visa_type}} precisamos do documento: {{document}}. " +
			"Envie uma foto legível ou o PDF por aqui.",
	},
	{
		Name: "appointment_reminder",
		Body: "Lembrete: {{client_name}}, seu atendimento está marcado para {{date}} às {{time}}. " +
			"Local: {{location}}.",
	},
	{
		Name: "status_update",
		Body: "{{client_name}}, atualização do seu processo para {{target_country}}: {{status}}.",
	},
	{
		Name: "payment_confirmation",
		Body: "Pagamento confirmado, {{client_name}}! Recebemos {{amount}} referente a {{description}}. Obrigado.",
	},
}
