// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package service 实现一次图片生成的完整业务流程。

GenerationService.Generate 依次完成：连接预设解析、提示词预设展开、
模板变量替换、输入图片收集、群组限流、额度检查、可选的提示词优化、
调用编排器生成，以及成功后的结算与每日统计。任何失败都会回滚额度事务
并撤回限流记录。

presenter.go 中的函数把结果与错误渲染成面向用户的文本。
*/
package service
